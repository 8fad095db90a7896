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
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Account is the store's basic-account record: what remains of an account
// once storage and code live in their own key spaces.
type Account struct {
	Nonce    uint64
	Balance  *uint256.Int
	CodeHash common.Hash
}

// readOptional fetches a key, mapping "not found" to nil without error so
// callers can tell absence from a genuine backend fault.
func readOptional(db ethdb.KeyValueReader, key []byte) ([]byte, error) {
	has, err := db.Has(key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, nil
	}
	return db.Get(key)
}

// ReadAccount retrieves the account stored under addr, or nil if the store
// has never seen the address.
func ReadAccount(db ethdb.KeyValueReader, addr common.Address) (*Account, error) {
	data, err := readOptional(db, accountKey(addr))
	if err != nil || data == nil {
		return nil, err
	}
	account := new(Account)
	if err := rlp.DecodeBytes(data, account); err != nil {
		return nil, fmt.Errorf("corrupt account record for %x: %w", addr, err)
	}
	return account, nil
}

// WriteAccount stores an account record.
func WriteAccount(db ethdb.KeyValueWriter, addr common.Address, account *Account) {
	data, err := rlp.EncodeToBytes(account)
	if err != nil {
		log.Crit("Failed to RLP encode account", "err", err)
	}
	if err := db.Put(accountKey(addr), data); err != nil {
		log.Crit("Failed to store account", "err", err)
	}
}

// ReadStorageSlot retrieves one storage value, or nil if the slot is unset.
func ReadStorageSlot(db ethdb.KeyValueReader, addr common.Address, slot common.Hash) (*uint256.Int, error) {
	data, err := readOptional(db, storageKey(addr, slot))
	if err != nil || data == nil {
		return nil, err
	}
	if len(data) > common.HashLength {
		return nil, fmt.Errorf("corrupt storage value for %x slot %x: %d bytes", addr, slot, len(data))
	}
	return new(uint256.Int).SetBytes(data), nil
}

// WriteStorageSlot stores one storage value in its minimal big-endian form.
// Zero values are never materialized: writing one is a no-op, keeping the
// store's "absent means zero" convention intact.
func WriteStorageSlot(db ethdb.KeyValueWriter, addr common.Address, slot common.Hash, value *uint256.Int) {
	if value == nil || value.IsZero() {
		return
	}
	if err := db.Put(storageKey(addr, slot), value.Bytes()); err != nil {
		log.Crit("Failed to store storage slot", "err", err)
	}
}

// ReadCode retrieves contract bytecode by its hash, or nil when the hash is
// unknown to the store.
func ReadCode(db ethdb.KeyValueReader, hash common.Hash) ([]byte, error) {
	return readOptional(db, codeKey(hash))
}

// WriteCode stores contract bytecode under its hash.
func WriteCode(db ethdb.KeyValueWriter, hash common.Hash, code []byte) {
	if err := db.Put(codeKey(hash), code); err != nil {
		log.Crit("Failed to store contract code", "err", err)
	}
}

// ReadBlockHash retrieves the canonical hash recorded for a block number,
// or the zero hash if none is recorded.
func ReadBlockHash(db ethdb.KeyValueReader, number uint64) (common.Hash, error) {
	data, err := readOptional(db, blockHashKey(number))
	if err != nil || data == nil {
		return common.Hash{}, err
	}
	if len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("corrupt block hash record for #%d: %d bytes", number, len(data))
	}
	return common.BytesToHash(data), nil
}

// WriteBlockHash records the canonical hash of a block number.
func WriteBlockHash(db ethdb.KeyValueWriter, number uint64, hash common.Hash) {
	if err := db.Put(blockHashKey(number), hash.Bytes()); err != nil {
		log.Crit("Failed to store block hash", "err", err)
	}
}

// ReadLastBlock retrieves the block number the store was built at, or nil
// if it was never recorded.
func ReadLastBlock(db ethdb.KeyValueReader) (*uint64, error) {
	data, err := readOptional(db, lastBlockKey)
	if err != nil || data == nil {
		return nil, err
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("corrupt last block record: %d bytes", len(data))
	}
	number := binary.BigEndian.Uint64(data)
	return &number, nil
}

// WriteLastBlock records the block number the store's state belongs to.
func WriteLastBlock(db ethdb.KeyValueWriter, number uint64) {
	if err := db.Put(lastBlockKey, encodeBlockNumber(number)); err != nil {
		log.Crit("Failed to store last block number", "err", err)
	}
}
