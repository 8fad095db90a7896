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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/holiman/uint256"
)

// Store is the database surface the reader needs: point lookups plus sorted
// iteration for the storage duplicate-group scan.
type Store interface {
	ethdb.KeyValueReader
	ethdb.Iteratee
}

// ContractState is the complete store-side view of one address: basic
// account, bytecode and every materialized storage slot. It is constructed
// fresh per comparison and discarded right after.
type ContractState struct {
	Address common.Address
	Account Account
	Code    []byte // nil when the account has no code
	Storage map[common.Hash]uint256.Int
}

// Reader answers the verifier's state queries from a plain state store. All
// access is read-only; the store is assumed to be an immutable view of one
// historical block.
type Reader struct {
	db Store
}

// NewReader wraps a plain state store for querying.
func NewReader(db Store) *Reader {
	return &Reader{db: db}
}

// Account returns the basic account for addr, nil if the store has none.
func (r *Reader) Account(addr common.Address) (*Account, error) {
	return ReadAccount(r.db, addr)
}

// Code returns the bytecode stored under hash, nil if unknown.
func (r *Reader) Code(hash common.Hash) ([]byte, error) {
	return ReadCode(r.db, hash)
}

// Storage returns the value of one storage slot, nil if unset.
func (r *Reader) Storage(addr common.Address, slot common.Hash) (*uint256.Int, error) {
	return ReadStorageSlot(r.db, addr, slot)
}

// BlockHash returns the canonical hash recorded for a block number, or the
// zero hash if the store has no record of it.
func (r *Reader) BlockHash(number uint64) (common.Hash, error) {
	return ReadBlockHash(r.db, number)
}

// LastBlock returns the block number the store was built at, nil if it was
// never recorded.
func (r *Reader) LastBlock() (*uint64, error) {
	return ReadLastBlock(r.db)
}

// ContractState extracts the full state of addr, or nil if the store has no
// account for it. Storage is recovered with a single exact-match seek into
// the sorted (address, slot) key space followed by a forward scan across the
// address's duplicate group, so the cost is bounded by the number of
// materialized slots, not by store size.
func (r *Reader) ContractState(addr common.Address) (*ContractState, error) {
	account, err := r.Account(addr)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}
	var code []byte
	if account.CodeHash != types.EmptyCodeHash {
		if code, err = r.Code(account.CodeHash); err != nil {
			return nil, err
		}
	}
	storage := make(map[common.Hash]uint256.Int)
	cursor := r.StorageCursor(addr)
	defer cursor.Release()
	for slot, value, ok := cursor.SeekExact(); ok; slot, value, ok = cursor.NextDup() {
		storage[slot] = *value
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return &ContractState{
		Address: addr,
		Account: *account,
		Code:    code,
		Storage: storage,
	}, nil
}

// StorageCursor walks the storage records of a single address in ascending
// slot order. The underlying iterator is bounded to the address's key
// prefix, so the scan stops at the duplicate-group boundary by construction.
type StorageCursor struct {
	it   ethdb.Iterator
	addr common.Address
	err  error
}

// StorageCursor opens a cursor over addr's storage duplicate group.
func (r *Reader) StorageCursor(addr common.Address) *StorageCursor {
	return &StorageCursor{
		it:   r.db.NewIterator(storageGroupKey(addr), nil),
		addr: addr,
	}
}

// SeekExact positions the cursor on the address's first storage record,
// reporting false when the address has no storage at all.
func (c *StorageCursor) SeekExact() (common.Hash, *uint256.Int, bool) {
	return c.advance()
}

// NextDup advances to the next record of the same address, reporting false
// once the group is exhausted. Each step depends on the previous cursor
// position; a single group's scan is inherently sequential.
func (c *StorageCursor) NextDup() (common.Hash, *uint256.Int, bool) {
	return c.advance()
}

func (c *StorageCursor) advance() (common.Hash, *uint256.Int, bool) {
	if c.err != nil || !c.it.Next() {
		return common.Hash{}, nil, false
	}
	key := c.it.Key()
	if len(key) != len(storagePrefix)+common.AddressLength+common.HashLength {
		c.err = fmt.Errorf("corrupt storage key for %x: %d bytes", c.addr, len(key))
		return common.Hash{}, nil, false
	}
	if len(c.it.Value()) > common.HashLength {
		c.err = fmt.Errorf("corrupt storage value for %x: %d bytes", c.addr, len(c.it.Value()))
		return common.Hash{}, nil, false
	}
	slot := common.BytesToHash(key[len(storagePrefix)+common.AddressLength:])
	return slot, new(uint256.Int).SetBytes(c.it.Value()), true
}

// Err returns the first error observed during the scan, iterator failures
// included. Callers must check it once the scan completes: a failed scan
// means the store is corrupt and the run cannot be trusted.
func (c *StorageCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.it.Error()
}

// Release frees the underlying iterator.
func (c *StorageCursor) Release() {
	c.it.Release()
}
