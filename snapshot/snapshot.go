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

// Package snapshot models a point-in-time image of EVM ledger state and
// implements its compact binary (MessagePack) encoding. A snapshot carries
// the full account set with per-account storage, the referenced contract
// bytecodes keyed by code hash, the recent block hash history and the header
// of the block the state belongs to.
package snapshot

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Snapshot is the decoded in-memory image of ledger state at one block.
//
// The account and contract sequences preserve file order, including any
// duplicate keys the producer may have emitted. Consumers that need unique
// keys resolve duplicates last-write-wins.
type Snapshot struct {
	Accounts    []AccountEntry
	Contracts   []ContractEntry
	BlockHashes []BlockHashEntry
	Block       BlockRef
}

// AccountEntry is one (address, account record) pair from the snapshot.
type AccountEntry struct {
	Addr    common.Address
	Account Account
}

// ContractEntry is one (code hash, bytecode) pair from the snapshot.
type ContractEntry struct {
	CodeHash common.Hash
	Code     Bytecode
}

// BlockHashEntry records the canonical hash of one historical block.
type BlockHashEntry struct {
	Number uint64
	Hash   common.Hash
}

// BlockRef identifies the block whose post-state the snapshot captures.
// Only the fields the verifier needs are retained from the embedded header.
type BlockRef struct {
	Number uint64
	Hash   common.Hash
	Time   uint64
}

// Account is the snapshot-side record for a single address.
type Account struct {
	Info    AccountInfo
	Storage []StorageEntry
}

// AccountInfo holds the basic account fields. Absent wire fields decode to
// the zero balance, zero nonce and the empty-code hash.
type AccountInfo struct {
	Balance  *uint256.Int
	Nonce    uint64
	CodeHash common.Hash
}

// StorageEntry is a single (slot key, slot value) pair.
type StorageEntry struct {
	Key   uint256.Int
	Value uint256.Int
}

// defaultAccountInfo returns the documented field defaults: everything an
// untouched account would report.
func defaultAccountInfo() AccountInfo {
	return AccountInfo{
		Balance:  new(uint256.Int),
		Nonce:    0,
		CodeHash: types.EmptyCodeHash,
	}
}

// Empty reports whether the record is the all-defaults empty account: zero
// balance, zero nonce, empty-code hash and no storage entries at all. The
// raw storage sequence counts here, zero-valued entries included, since a
// producer has no business emitting slots for an account it considers
// untouched.
func (a *Account) Empty() bool {
	return (a.Info.Balance == nil || a.Info.Balance.IsZero()) &&
		a.Info.Nonce == 0 &&
		a.Info.CodeHash == types.EmptyCodeHash &&
		len(a.Storage) == 0
}

// NonZeroStorage flattens the storage sequence into a slot map, dropping
// zero-valued entries and resolving duplicate keys last-write-wins. Zero
// values are dropped because a zero slot is indistinguishable from an unset
// one in any store that does not materialize zeros.
func (a *Account) NonZeroStorage() map[common.Hash]uint256.Int {
	storage := make(map[common.Hash]uint256.Int, len(a.Storage))
	for _, entry := range a.Storage {
		key := common.Hash(entry.Key.Bytes32())
		if entry.Value.IsZero() {
			delete(storage, key)
			continue
		}
		storage[key] = entry.Value
	}
	return storage
}

// DedupAccounts returns the account entries with duplicate addresses
// resolved last-write-wins. Each address keeps its first position in file
// order, only the record is replaced.
func (s *Snapshot) DedupAccounts() []AccountEntry {
	seen := make(map[common.Address]int, len(s.Accounts))
	deduped := make([]AccountEntry, 0, len(s.Accounts))
	for _, entry := range s.Accounts {
		if i, ok := seen[entry.Addr]; ok {
			deduped[i].Account = entry.Account
			continue
		}
		seen[entry.Addr] = len(deduped)
		deduped = append(deduped, entry)
	}
	return deduped
}

// DedupContracts is DedupAccounts for the bytecode sequence, keyed by code
// hash.
func (s *Snapshot) DedupContracts() []ContractEntry {
	seen := make(map[common.Hash]int, len(s.Contracts))
	deduped := make([]ContractEntry, 0, len(s.Contracts))
	for _, entry := range s.Contracts {
		if i, ok := seen[entry.CodeHash]; ok {
			deduped[i].Code = entry.Code
			continue
		}
		seen[entry.CodeHash] = len(deduped)
		deduped = append(deduped, entry)
	}
	return deduped
}
