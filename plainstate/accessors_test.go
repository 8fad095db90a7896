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
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestAccountStorage(t *testing.T) {
	db := memorydb.New()
	addr := common.HexToAddress("0x11")

	got, err := ReadAccount(db, addr)
	require.NoError(t, err)
	require.Nil(t, got, "unexpected account before write")

	account := &Account{
		Nonce:    3,
		Balance:  uint256.NewInt(1_000_000),
		CodeHash: common.HexToHash("0xc0de"),
	}
	WriteAccount(db, addr, account)

	got, err = ReadAccount(db, addr)
	require.NoError(t, err)
	require.Equal(t, account, got)

	// Absence of a different address is not an error.
	got, err = ReadAccount(db, common.HexToAddress("0x22"))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStorageSlotStorage(t *testing.T) {
	db := memorydb.New()
	addr := common.HexToAddress("0x11")
	slot := common.HexToHash("0x01")

	got, err := ReadStorageSlot(db, addr, slot)
	require.NoError(t, err)
	require.Nil(t, got, "unexpected value before write")

	WriteStorageSlot(db, addr, slot, uint256.NewInt(42))
	got, err = ReadStorageSlot(db, addr, slot)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(42), got)

	// Zero values are never materialized.
	zeroSlot := common.HexToHash("0x02")
	WriteStorageSlot(db, addr, zeroSlot, new(uint256.Int))
	got, err = ReadStorageSlot(db, addr, zeroSlot)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCodeStorage(t *testing.T) {
	db := memorydb.New()
	hash := common.HexToHash("0xc0de")
	code := []byte{0x60, 0x00, 0x60, 0x00}

	got, err := ReadCode(db, hash)
	require.NoError(t, err)
	require.Nil(t, got, "unexpected code before write")

	WriteCode(db, hash, code)
	got, err = ReadCode(db, hash)
	require.NoError(t, err)
	require.Equal(t, code, got)

	got, err = ReadCode(db, types.EmptyCodeHash)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestBlockHashStorage(t *testing.T) {
	db := memorydb.New()

	got, err := ReadBlockHash(db, 7)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, got)

	WriteBlockHash(db, 7, common.HexToHash("0x07"))
	got, err = ReadBlockHash(db, 7)
	require.NoError(t, err)
	require.Equal(t, common.HexToHash("0x07"), got)

	// Neighboring numbers stay unset.
	got, err = ReadBlockHash(db, 8)
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, got)
}

func TestLastBlockStorage(t *testing.T) {
	db := memorydb.New()

	got, err := ReadLastBlock(db)
	require.NoError(t, err)
	require.Nil(t, got)

	WriteLastBlock(db, 1234)
	got, err = ReadLastBlock(db)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, uint64(1234), *got)
}

func TestCorruptRecords(t *testing.T) {
	db := memorydb.New()
	addr := common.HexToAddress("0x11")

	require.NoError(t, db.Put(accountKey(addr), []byte{0xff, 0xff}))
	_, err := ReadAccount(db, addr)
	require.ErrorContains(t, err, "corrupt account record")

	require.NoError(t, db.Put(storageKey(addr, common.HexToHash("0x01")), make([]byte, 40)))
	_, err = ReadStorageSlot(db, addr, common.HexToHash("0x01"))
	require.ErrorContains(t, err, "corrupt storage value")

	require.NoError(t, db.Put(blockHashKey(1), []byte{0x01}))
	_, err = ReadBlockHash(db, 1)
	require.ErrorContains(t, err, "corrupt block hash record")

	require.NoError(t, db.Put(lastBlockKey, []byte{0x01}))
	_, err = ReadLastBlock(db)
	require.ErrorContains(t, err, "corrupt last block record")
}
