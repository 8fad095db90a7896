// Copyright 2025 The evm-diff Authors
// This file is part of evm-diff.
//
// evm-diff is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// evm-diff is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with evm-diff. If not, see <http://www.gnu.org/licenses/>.

package plainstate

import (
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/pebble"
)

// dbNamespace prefixes the database metrics of an opened store.
const dbNamespace = "evmdiff/db/"

// Open opens the plain state store at path with the requested backing
// database implementation.
func Open(path, engine string, cache, handles int, readonly bool) (ethdb.KeyValueStore, error) {
	switch engine {
	case "pebble":
		return pebble.New(path, cache, handles, dbNamespace, readonly)
	case "leveldb":
		return leveldb.New(path, cache, handles, dbNamespace, readonly)
	default:
		return nil, fmt.Errorf("unknown database engine %q, use pebble or leveldb", engine)
	}
}
