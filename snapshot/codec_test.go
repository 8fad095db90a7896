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

package snapshot

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// marshalEnvelope wraps the given db union, block hash list and block union
// into the full snapshot envelope and returns its msgpack encoding.
func marshalEnvelope(t *testing.T, db, block any, blockHashes []any) []byte {
	t.Helper()
	if blockHashes == nil {
		blockHashes = []any{}
	}
	payload := map[string]any{
		"exchange": map[string]any{
			"hyper_evm": map[string]any{
				"state2": map[string]any{
					"evm_db":       db,
					"block_hashes": blockHashes,
				},
				"latest_block2": block,
			},
		},
	}
	b, err := msgpack.Marshal(payload)
	require.NoError(t, err)
	return b
}

func inMemoryDB(accounts, contracts []any) map[string]any {
	if accounts == nil {
		accounts = []any{}
	}
	if contracts == nil {
		contracts = []any{}
	}
	return map[string]any{
		"InMemory": map[string]any{
			"accounts":  accounts,
			"contracts": contracts,
		},
	}
}

func sealedBlock(number uint64) map[string]any {
	return map[string]any{
		"Reth115": map[string]any{
			"header": map[string]any{
				"hash": common.HexToHash("0xbeef").Bytes(),
				"header": map[string]any{
					"number":    number,
					"timestamp": uint64(1_700_000_000),
				},
			},
			"body": map[string]any{"transactions": []any{}},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0xaabbccddeeff00112233445566778899aabbccdd")
	snap := &Snapshot{
		Accounts: []AccountEntry{
			{
				Addr: addr,
				Account: Account{
					Info: AccountInfo{
						Balance:  uint256.NewInt(1_000_000),
						Nonce:    7,
						CodeHash: common.HexToHash("0x1234"),
					},
					Storage: []StorageEntry{
						{Key: *uint256.NewInt(1), Value: *uint256.NewInt(42)},
						{Key: *uint256.NewInt(2), Value: *uint256.NewInt(0)},
					},
				},
			},
			{
				Addr: common.HexToAddress("0x01"),
				Account: Account{
					Info: AccountInfo{
						Balance:  new(uint256.Int),
						Nonce:    0,
						CodeHash: types.EmptyCodeHash,
					},
				},
			},
		},
		Contracts: []ContractEntry{
			{CodeHash: common.HexToHash("0x11"), Code: RawBytecode{0x60, 0x00}},
			{
				CodeHash: common.HexToHash("0x22"),
				Code: &AnalyzedBytecode{
					Code:        []byte{0x60, 0x00, 0x00, 0x00},
					OriginalLen: 2,
					JumpTable:   []byte{0x01},
				},
			},
			{
				CodeHash: common.HexToHash("0x33"),
				Code:     NewDelegatedBytecode(common.HexToAddress("0x77"), 0, nil),
			},
		},
		BlockHashes: []BlockHashEntry{
			{Number: 99, Hash: common.HexToHash("0x99")},
			{Number: 100, Hash: common.HexToHash("0x0100")},
		},
		Block: BlockRef{Number: 100, Hash: common.HexToHash("0x0100"), Time: 1_700_000_000},
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, snap, decoded)
}

func TestDecodeFullFieldNames(t *testing.T) {
	addr := common.HexToAddress("0x42")
	accounts := []any{
		[]any{addr.Bytes(), map[string]any{
			"info": map[string]any{
				"balance":   uint64(55),
				"nonce":     uint64(3),
				"code_hash": common.HexToHash("0xc0de").Bytes(),
			},
			"storage": []any{
				[]any{uint64(1), uint64(9)},
			},
			"unknown_field": "ignored",
		}},
	}
	blob := marshalEnvelope(t, inMemoryDB(accounts, nil), sealedBlock(5), nil)

	snap, err := Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)

	acc := snap.Accounts[0]
	require.Equal(t, addr, acc.Addr)
	require.Equal(t, uint256.NewInt(55), acc.Account.Info.Balance)
	require.Equal(t, uint64(3), acc.Account.Info.Nonce)
	require.Equal(t, common.HexToHash("0xc0de"), acc.Account.Info.CodeHash)
	require.Len(t, acc.Account.Storage, 1)
	require.Equal(t, uint64(9), acc.Account.Storage[0].Value.Uint64())
	require.Equal(t, uint64(5), snap.Block.Number)
}

func TestDecodeShortFieldNames(t *testing.T) {
	addr := common.HexToAddress("0x42")
	balance := uint256.NewInt(123456789)
	b32 := balance.Bytes32()
	accounts := []any{
		[]any{addr.Bytes(), map[string]any{
			"i": map[string]any{
				"b": b32[:], // fixed-width big-endian, the producer's form
				"n": uint64(1),
				"c": common.HexToHash("0xc0de").Bytes(),
			},
			"s": []any{
				[]any{uint256.NewInt(7).Bytes(), uint256.NewInt(8).Bytes()},
			},
		}},
	}
	blob := marshalEnvelope(t, inMemoryDB(accounts, nil), sealedBlock(5), nil)

	snap, err := Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Len(t, snap.Accounts, 1)

	acc := snap.Accounts[0].Account
	require.Equal(t, balance, acc.Info.Balance)
	require.Equal(t, uint64(1), acc.Info.Nonce)
	require.Len(t, acc.Storage, 1)
	require.Equal(t, uint64(7), acc.Storage[0].Key.Uint64())
	require.Equal(t, uint64(8), acc.Storage[0].Value.Uint64())
}

func TestDecodeFieldDefaults(t *testing.T) {
	tests := []struct {
		name    string
		account map[string]any
	}{
		{"empty record", map[string]any{}},
		{"empty info", map[string]any{"i": map[string]any{}}},
		{"nonce only", map[string]any{"i": map[string]any{"n": uint64(0)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := []any{[]any{common.HexToAddress("0x01").Bytes(), tt.account}}
			blob := marshalEnvelope(t, inMemoryDB(accounts, nil), sealedBlock(1), nil)

			snap, err := Decode(bytes.NewReader(blob))
			require.NoError(t, err)
			require.Len(t, snap.Accounts, 1)

			info := snap.Accounts[0].Account.Info
			require.True(t, info.Balance.IsZero())
			require.Zero(t, info.Nonce)
			require.Equal(t, types.EmptyCodeHash, info.CodeHash)
			require.Empty(t, snap.Accounts[0].Account.Storage)
			require.True(t, snap.Accounts[0].Account.Empty())
		})
	}
}

func TestDecodeUnknownVariants(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
		want string
	}{
		{
			"bytecode",
			marshalEnvelope(t, inMemoryDB(nil, []any{
				[]any{common.HexToHash("0x11").Bytes(), map[string]any{"Eof": []byte{0xef}}},
			}), sealedBlock(1), nil),
			"unsupported bytecode variant",
		},
		{
			"database",
			marshalEnvelope(t, map[string]any{"OnDisk": map[string]any{}}, sealedBlock(1), nil),
			"unsupported database variant",
		},
		{
			"block",
			marshalEnvelope(t, inMemoryDB(nil, nil), map[string]any{"Reth216": map[string]any{}}, nil),
			"unsupported block variant",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.blob))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDecodeMissingSections(t *testing.T) {
	blob, err := msgpack.Marshal(map[string]any{"other": map[string]any{}})
	require.NoError(t, err)
	_, err = Decode(bytes.NewReader(blob))
	require.ErrorContains(t, err, "missing exchange section")

	blob, err = msgpack.Marshal(map[string]any{
		"exchange": map[string]any{
			"hyper_evm": map[string]any{
				"state2": map[string]any{
					"block_hashes": []any{},
				},
				"latest_block2": sealedBlock(1),
			},
		},
	})
	require.NoError(t, err)
	_, err = Decode(bytes.NewReader(blob))
	require.ErrorContains(t, err, "missing evm_db section")
}

func TestDecodeTruncated(t *testing.T) {
	snap := &Snapshot{
		Accounts: []AccountEntry{{
			Addr: common.HexToAddress("0x01"),
			Account: Account{
				Info:    AccountInfo{Balance: uint256.NewInt(5), CodeHash: types.EmptyCodeHash},
				Storage: []StorageEntry{{Key: *uint256.NewInt(1), Value: *uint256.NewInt(2)}},
			},
		}},
		Block: BlockRef{Number: 1},
	}
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))
	blob := buf.Bytes()

	for _, cut := range []int{1, len(blob) / 4, len(blob) / 2, len(blob) - 1} {
		_, err := Decode(bytes.NewReader(blob[:cut]))
		require.Error(t, err, "no error decoding %d of %d bytes", cut, len(blob))
	}
}

// Array headers can declare any element count up front. Decoding must fail
// on the absent elements without sizing an allocation from the count alone.
func TestDecodeOversizedCounts(t *testing.T) {
	const declared = 0xfffffff0

	envelope := func(inner func(enc *msgpack.Encoder), path ...string) []byte {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		for _, key := range path {
			require.NoError(t, enc.EncodeMapLen(1))
			require.NoError(t, enc.EncodeString(key))
		}
		inner(enc)
		return buf.Bytes()
	}
	declareOnly := func(enc *msgpack.Encoder) {
		require.NoError(t, enc.EncodeArrayLen(declared))
	}

	tests := []struct {
		name    string
		blob    []byte
		wantErr string
	}{
		{
			name:    "accounts",
			blob:    envelope(declareOnly, "exchange", "hyper_evm", "state2", "evm_db", "InMemory", "accounts"),
			wantErr: "accounts[0]",
		},
		{
			name:    "contracts",
			blob:    envelope(declareOnly, "exchange", "hyper_evm", "state2", "evm_db", "InMemory", "contracts"),
			wantErr: "contracts[0]",
		},
		{
			name:    "block hashes",
			blob:    envelope(declareOnly, "exchange", "hyper_evm", "state2", "block_hashes"),
			wantErr: "block_hashes[0]",
		},
		{
			name: "storage",
			blob: envelope(func(enc *msgpack.Encoder) {
				require.NoError(t, enc.EncodeArrayLen(1))
				require.NoError(t, enc.EncodeArrayLen(2))
				require.NoError(t, enc.EncodeBytes(common.HexToAddress("0x01").Bytes()))
				require.NoError(t, enc.EncodeMapLen(1))
				require.NoError(t, enc.EncodeString("s"))
				require.NoError(t, enc.EncodeArrayLen(declared))
			}, "exchange", "hyper_evm", "state2", "evm_db", "InMemory", "accounts"),
			wantErr: "storage[0]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.blob))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDecodeQuantityEncodings(t *testing.T) {
	full := uint256.NewInt(77).Bytes32()
	tests := []struct {
		name  string
		value any
	}{
		{"msgpack int", uint64(77)},
		{"trimmed big-endian", []byte{77}},
		{"fixed-width big-endian", full[:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accounts := []any{[]any{
				common.HexToAddress("0x01").Bytes(),
				map[string]any{"i": map[string]any{"b": tt.value}},
			}}
			blob := marshalEnvelope(t, inMemoryDB(accounts, nil), sealedBlock(1), nil)

			snap, err := Decode(bytes.NewReader(blob))
			require.NoError(t, err)
			require.Equal(t, uint256.NewInt(77), snap.Accounts[0].Account.Info.Balance)
		})
	}

	t.Run("oversized", func(t *testing.T) {
		accounts := []any{[]any{
			common.HexToAddress("0x01").Bytes(),
			map[string]any{"i": map[string]any{"b": make([]byte, 33)}},
		}}
		blob := marshalEnvelope(t, inMemoryDB(accounts, nil), sealedBlock(1), nil)
		_, err := Decode(bytes.NewReader(blob))
		require.ErrorContains(t, err, "at most 32")
	})
}

func TestDecodeHeaderShapes(t *testing.T) {
	plain := map[string]any{
		"Reth115": map[string]any{
			"header": map[string]any{
				"number":    uint64(1234),
				"timestamp": uint64(4321),
			},
		},
	}
	blob := marshalEnvelope(t, inMemoryDB(nil, nil), plain, nil)
	snap, err := Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, uint64(1234), snap.Block.Number)
	require.Equal(t, uint64(4321), snap.Block.Time)
	require.Equal(t, common.Hash{}, snap.Block.Hash)

	sealed := sealedBlock(1234)
	blob = marshalEnvelope(t, inMemoryDB(nil, nil), sealed, nil)
	snap, err = Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, uint64(1234), snap.Block.Number)
	require.Equal(t, common.HexToHash("0xbeef"), snap.Block.Hash)

	missing := map[string]any{
		"Reth115": map[string]any{
			"header": map[string]any{"timestamp": uint64(1)},
		},
	}
	blob = marshalEnvelope(t, inMemoryDB(nil, nil), missing, nil)
	_, err = Decode(bytes.NewReader(blob))
	require.ErrorContains(t, err, "missing number")
}

func TestDecodeBlockHashes(t *testing.T) {
	hashes := []any{
		[]any{uint64(7), common.HexToHash("0x07").Bytes()},
		[]any{uint256.NewInt(8).Bytes(), common.HexToHash("0x08").Bytes()},
	}
	blob := marshalEnvelope(t, inMemoryDB(nil, nil), sealedBlock(8), hashes)

	snap, err := Decode(bytes.NewReader(blob))
	require.NoError(t, err)
	require.Equal(t, []BlockHashEntry{
		{Number: 7, Hash: common.HexToHash("0x07")},
		{Number: 8, Hash: common.HexToHash("0x08")},
	}, snap.BlockHashes)
}

func TestDecodeAnalyzedLengthBound(t *testing.T) {
	contracts := []any{
		[]any{common.HexToHash("0x11").Bytes(), map[string]any{
			"LegacyAnalyzed": map[string]any{
				"bytecode":     []byte{0x60, 0x00},
				"original_len": uint64(3),
			},
		}},
	}
	blob := marshalEnvelope(t, inMemoryDB(nil, contracts), sealedBlock(1), nil)
	_, err := Decode(bytes.NewReader(blob))
	require.ErrorContains(t, err, "exceeds code length")
}
