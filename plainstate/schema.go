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

// Package plainstate reads and writes the flat, trie-less state store the
// verifier compares snapshots against. State is keyed directly by address
// and (address, slot), so recovering all storage of one contract is a
// single bounded forward scan over the sorted key space.
package plainstate

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// The layout of the store is a handful of prefixed key spaces over a sorted
// key/value database. Slot keys sort lexicographically within an address, so
// one contract's storage forms one contiguous duplicate group.
var (
	accountPrefix   = []byte("a") // accountPrefix + address -> RLP(Account)
	storagePrefix   = []byte("s") // storagePrefix + address + slot hash -> minimal big-endian slot value
	codePrefix      = []byte("c") // codePrefix + code hash -> contract bytecode
	blockHashPrefix = []byte("h") // blockHashPrefix + number (uint64 big-endian) -> block hash

	// lastBlockKey tracks the block number whose post-state the store holds.
	lastBlockKey = []byte("LastBlock")
)

// encodeBlockNumber encodes a block number as big endian uint64.
func encodeBlockNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

// accountKey = accountPrefix + address
func accountKey(addr common.Address) []byte {
	return append(accountPrefix, addr.Bytes()...)
}

// storageKey = storagePrefix + address + slot hash
func storageKey(addr common.Address, slot common.Hash) []byte {
	return append(append(storagePrefix, addr.Bytes()...), slot.Bytes()...)
}

// storageGroupKey = storagePrefix + address, the shared prefix of every slot
// record of one account. The cursor seeks on it to bound a duplicate-group
// scan.
func storageGroupKey(addr common.Address) []byte {
	return append(storagePrefix, addr.Bytes()...)
}

// codeKey = codePrefix + hash
func codeKey(hash common.Hash) []byte {
	return append(codePrefix, hash.Bytes()...)
}

// blockHashKey = blockHashPrefix + number (uint64 big-endian)
func blockHashKey(number uint64) []byte {
	return append(blockHashPrefix, encodeBlockNumber(number)...)
}
