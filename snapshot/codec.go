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
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// The snapshot wire format is MessagePack. The envelope is a nest of maps
// holding the ledger sections this tool cares about; unknown keys at every
// level are skipped so producers can add sections without breaking older
// readers:
//
//	{"exchange": {"hyper_evm": {
//	    "state2":        {"evm_db": <db union>, "block_hashes": [[num, hash], ...]},
//	    "latest_block2": <block union>,
//	}}}
//
// The db union has a single supported variant, "InMemory", carrying the
// account and contract pair lists. Account records use short field keys with
// full-name fallbacks and per-field defaults (see Account). Unions are
// externally tagged: a one-key map from variant name to body. An unknown
// variant tag fails the decode, it is never coerced.

// maxPrealloc caps slice preallocation from wire-declared element counts;
// larger collections grow through append as their elements arrive. Counts
// come straight off the wire and must not size allocations on their own.
const maxPrealloc = 4096

// Decode reads one snapshot from r. The whole object is decoded into
// memory; there is no streaming mode. Errors indicate malformed, truncated
// or unsupported-variant input and name the offending section.
func Decode(r io.Reader) (*Snapshot, error) {
	snap := new(Snapshot)
	if err := snap.DecodeMsgpack(msgpack.NewDecoder(r)); err != nil {
		return nil, err
	}
	return snap, nil
}

// Encode writes the snapshot in its wire encoding: the full envelope, short
// account field keys, fixed-width big-endian quantities. The embedded block
// is written in sealed-header form with just the fields a BlockRef retains.
func Encode(w io.Writer, s *Snapshot) error {
	return s.EncodeMsgpack(msgpack.NewEncoder(w))
}

// decodeMap walks one map, handing each key to field. The callback consumes
// the value, skipping it for keys it does not know.
func decodeMap(dec *msgpack.Decoder, field func(key string) error) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return err
		}
		if err := field(key); err != nil {
			return err
		}
	}
	return nil
}

// decodeUnionTag consumes the single-key map wrapping a tagged union value
// and returns the variant name. The body is left for the caller to decode.
func decodeUnionTag(dec *msgpack.Decoder) (string, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return "", err
	}
	if n != 1 {
		return "", fmt.Errorf("tagged union: got %d keys, want 1", n)
	}
	return dec.DecodeString()
}

// decodePairHeader consumes the two-element array header of a tuple.
func decodePairHeader(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("pair: got %d elements, want 2", n)
	}
	return nil
}

func decodeAddress(dec *msgpack.Decoder) (common.Address, error) {
	b, err := dec.DecodeBytes()
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf("address: got %d bytes, want %d", len(b), common.AddressLength)
	}
	return common.BytesToAddress(b), nil
}

func decodeHash(dec *msgpack.Decoder) (common.Hash, error) {
	b, err := dec.DecodeBytes()
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash: got %d bytes, want %d", len(b), common.HashLength)
	}
	return common.BytesToHash(b), nil
}

// decodeU256 reads a 256-bit quantity. Producers emit fixed-width big-endian
// byte strings; shorter big-endian values and plain msgpack integers are
// accepted as well.
func decodeU256(dec *msgpack.Decoder) (*uint256.Int, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if msgpcode.IsBin(code) || msgpcode.IsString(code) {
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		if len(b) > 32 {
			return nil, fmt.Errorf("quantity: got %d bytes, want at most 32", len(b))
		}
		return new(uint256.Int).SetBytes(b), nil
	}
	n, err := dec.DecodeUint64()
	if err != nil {
		return nil, err
	}
	return uint256.NewInt(n), nil
}

// DecodeMsgpack implements msgpack.CustomDecoder. It walks the envelope down
// to the ledger sections and leaves everything else untouched.
func (s *Snapshot) DecodeMsgpack(dec *msgpack.Decoder) error {
	var haveExchange bool
	err := decodeMap(dec, func(key string) error {
		if key != "exchange" {
			return dec.Skip()
		}
		haveExchange = true
		return s.decodeExchange(dec)
	})
	if err != nil {
		return err
	}
	if !haveExchange {
		return errors.New("missing exchange section")
	}
	return nil
}

func (s *Snapshot) decodeExchange(dec *msgpack.Decoder) error {
	var haveEVM bool
	err := decodeMap(dec, func(key string) error {
		if key != "hyper_evm" {
			return dec.Skip()
		}
		haveEVM = true
		return s.decodeHyperEVM(dec)
	})
	if err != nil {
		return err
	}
	if !haveEVM {
		return errors.New("missing hyper_evm section")
	}
	return nil
}

func (s *Snapshot) decodeHyperEVM(dec *msgpack.Decoder) error {
	var haveState, haveBlock bool
	err := decodeMap(dec, func(key string) error {
		switch key {
		case "state2":
			haveState = true
			return s.decodeState(dec)
		case "latest_block2":
			haveBlock = true
			return s.decodeBlock(dec)
		default:
			return dec.Skip()
		}
	})
	if err != nil {
		return err
	}
	if !haveState {
		return errors.New("missing state2 section")
	}
	if !haveBlock {
		return errors.New("missing latest_block2 section")
	}
	return nil
}

func (s *Snapshot) decodeState(dec *msgpack.Decoder) error {
	var haveDB, haveHashes bool
	err := decodeMap(dec, func(key string) error {
		switch key {
		case "evm_db":
			haveDB = true
			return s.decodeDB(dec)
		case "block_hashes":
			haveHashes = true
			return s.decodeBlockHashes(dec)
		default:
			return dec.Skip()
		}
	})
	if err != nil {
		return err
	}
	if !haveDB {
		return errors.New("missing evm_db section")
	}
	if !haveHashes {
		return errors.New("missing block_hashes section")
	}
	return nil
}

func (s *Snapshot) decodeDB(dec *msgpack.Decoder) error {
	tag, err := decodeUnionTag(dec)
	if err != nil {
		return fmt.Errorf("evm_db: %w", err)
	}
	if tag != "InMemory" {
		return fmt.Errorf("unsupported database variant %q", tag)
	}
	return decodeMap(dec, func(key string) error {
		switch key {
		case "accounts":
			return s.decodeAccounts(dec)
		case "contracts":
			return s.decodeContracts(dec)
		default:
			return dec.Skip()
		}
	})
}

func (s *Snapshot) decodeAccounts(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("accounts: %w", err)
	}
	if n <= 0 {
		return nil
	}
	s.Accounts = make([]AccountEntry, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		if err := decodePairHeader(dec); err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		addr, err := decodeAddress(dec)
		if err != nil {
			return fmt.Errorf("accounts[%d]: %w", i, err)
		}
		var acc Account
		if err := acc.DecodeMsgpack(dec); err != nil {
			return fmt.Errorf("account %s: %w", addr, err)
		}
		s.Accounts = append(s.Accounts, AccountEntry{Addr: addr, Account: acc})
	}
	return nil
}

func (s *Snapshot) decodeContracts(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("contracts: %w", err)
	}
	if n <= 0 {
		return nil
	}
	s.Contracts = make([]ContractEntry, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		if err := decodePairHeader(dec); err != nil {
			return fmt.Errorf("contracts[%d]: %w", i, err)
		}
		hash, err := decodeHash(dec)
		if err != nil {
			return fmt.Errorf("contracts[%d]: %w", i, err)
		}
		code, err := decodeBytecode(dec)
		if err != nil {
			return fmt.Errorf("contract %s: %w", hash, err)
		}
		s.Contracts = append(s.Contracts, ContractEntry{CodeHash: hash, Code: code})
	}
	return nil
}

func (s *Snapshot) decodeBlockHashes(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("block_hashes: %w", err)
	}
	if n <= 0 {
		return nil
	}
	s.BlockHashes = make([]BlockHashEntry, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		if err := decodePairHeader(dec); err != nil {
			return fmt.Errorf("block_hashes[%d]: %w", i, err)
		}
		number, err := decodeU256(dec)
		if err != nil {
			return fmt.Errorf("block_hashes[%d]: %w", i, err)
		}
		if !number.IsUint64() {
			return fmt.Errorf("block_hashes[%d]: number overflows uint64", i)
		}
		hash, err := decodeHash(dec)
		if err != nil {
			return fmt.Errorf("block_hashes[%d]: %w", i, err)
		}
		s.BlockHashes = append(s.BlockHashes, BlockHashEntry{Number: number.Uint64(), Hash: hash})
	}
	return nil
}

func (s *Snapshot) decodeBlock(dec *msgpack.Decoder) error {
	tag, err := decodeUnionTag(dec)
	if err != nil {
		return fmt.Errorf("latest_block2: %w", err)
	}
	if tag != "Reth115" {
		return fmt.Errorf("unsupported block variant %q", tag)
	}
	var haveNumber bool
	err = decodeMap(dec, func(key string) error {
		if key != "header" {
			return dec.Skip()
		}
		return decodeHeader(dec, &s.Block, &haveNumber, false)
	})
	if err != nil {
		return fmt.Errorf("latest_block2: %w", err)
	}
	if !haveNumber {
		return errors.New("block header missing number")
	}
	return nil
}

// decodeHeader pulls number, timestamp and hash out of a header map. Sealed
// headers nest the raw header one level down ({hash, header: {...}}), plain
// headers carry the fields directly; both shapes are accepted.
func decodeHeader(dec *msgpack.Decoder, ref *BlockRef, haveNumber *bool, nested bool) error {
	return decodeMap(dec, func(key string) error {
		var err error
		switch key {
		case "hash":
			ref.Hash, err = decodeHash(dec)
		case "number":
			ref.Number, err = dec.DecodeUint64()
			if err == nil {
				*haveNumber = true
			}
		case "timestamp":
			ref.Time, err = dec.DecodeUint64()
		case "header":
			if nested {
				return dec.Skip()
			}
			return decodeHeader(dec, ref, haveNumber, true)
		default:
			err = dec.Skip()
		}
		return err
	})
}

// DecodeMsgpack implements msgpack.CustomDecoder. Both the short and the
// full-name key of every field are accepted; absent fields take their
// documented defaults.
func (a *Account) DecodeMsgpack(dec *msgpack.Decoder) error {
	a.Info = defaultAccountInfo()
	a.Storage = nil
	return decodeMap(dec, func(key string) error {
		switch key {
		case "i", "info":
			return a.Info.DecodeMsgpack(dec)
		case "s", "storage":
			entries, err := decodeStorage(dec)
			if err != nil {
				return err
			}
			a.Storage = entries
			return nil
		default:
			return dec.Skip()
		}
	})
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (info *AccountInfo) DecodeMsgpack(dec *msgpack.Decoder) error {
	*info = defaultAccountInfo()
	return decodeMap(dec, func(key string) error {
		var err error
		switch key {
		case "b", "balance":
			info.Balance, err = decodeU256(dec)
		case "n", "nonce":
			info.Nonce, err = dec.DecodeUint64()
		case "c", "code_hash":
			info.CodeHash, err = decodeHash(dec)
		default:
			err = dec.Skip()
		}
		return err
	})
}

func decodeStorage(dec *msgpack.Decoder) ([]StorageEntry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if n <= 0 {
		return nil, nil
	}
	entries := make([]StorageEntry, 0, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		if err := decodePairHeader(dec); err != nil {
			return nil, fmt.Errorf("storage[%d]: %w", i, err)
		}
		key, err := decodeU256(dec)
		if err != nil {
			return nil, fmt.Errorf("storage[%d]: %w", i, err)
		}
		val, err := decodeU256(dec)
		if err != nil {
			return nil, fmt.Errorf("storage[%d]: %w", i, err)
		}
		entries = append(entries, StorageEntry{Key: *key, Value: *val})
	}
	return entries, nil
}

func decodeBytecode(dec *msgpack.Decoder) (Bytecode, error) {
	tag, err := decodeUnionTag(dec)
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagLegacyRaw:
		code, err := dec.DecodeBytes()
		if err != nil {
			return nil, err
		}
		return RawBytecode(code), nil
	case tagLegacyAnalyzed:
		return decodeAnalyzedBytecode(dec)
	case tagEip7702:
		return decodeDelegatedBytecode(dec)
	default:
		return nil, fmt.Errorf("unsupported bytecode variant %q", tag)
	}
}

func decodeAnalyzedBytecode(dec *msgpack.Decoder) (*AnalyzedBytecode, error) {
	var bc AnalyzedBytecode
	err := decodeMap(dec, func(key string) error {
		var err error
		switch key {
		case "bytecode":
			bc.Code, err = dec.DecodeBytes()
		case "original_len":
			var n uint64
			n, err = dec.DecodeUint64()
			if err == nil && n > uint64(math.MaxInt) {
				return fmt.Errorf("original_len %d out of range", n)
			}
			bc.OriginalLen = int(n)
		case "jump_table":
			// Opaque analysis metadata. Only a plain byte string is
			// understood, other representations are dropped.
			var code byte
			code, err = dec.PeekCode()
			if err == nil {
				if msgpcode.IsBin(code) || msgpcode.IsString(code) {
					bc.JumpTable, err = dec.DecodeBytes()
				} else {
					err = dec.Skip()
				}
			}
		default:
			err = dec.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if bc.OriginalLen > len(bc.Code) {
		return nil, fmt.Errorf("analyzed bytecode: original length %d exceeds code length %d", bc.OriginalLen, len(bc.Code))
	}
	return &bc, nil
}

func decodeDelegatedBytecode(dec *msgpack.Decoder) (*DelegatedBytecode, error) {
	var (
		addr    common.Address
		version uint64
		raw     []byte
	)
	err := decodeMap(dec, func(key string) error {
		var err error
		switch key {
		case "delegated_address":
			addr, err = decodeAddress(dec)
		case "version":
			version, err = dec.DecodeUint64()
			if err == nil && version > math.MaxUint8 {
				return fmt.Errorf("delegation version %d out of range", version)
			}
		case "raw":
			raw, err = dec.DecodeBytes()
		default:
			err = dec.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return NewDelegatedBytecode(addr, byte(version), raw), nil
}

// encoder wraps msgpack.Encoder with sticky error handling, so the encode
// paths read as straight-line writes.
type encoder struct {
	enc *msgpack.Encoder
	err error
}

func (e *encoder) mapLen(n int) {
	if e.err == nil {
		e.err = e.enc.EncodeMapLen(n)
	}
}

func (e *encoder) arrayLen(n int) {
	if e.err == nil {
		e.err = e.enc.EncodeArrayLen(n)
	}
}

func (e *encoder) str(s string) {
	if e.err == nil {
		e.err = e.enc.EncodeString(s)
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		e.err = e.enc.EncodeBytes(b)
	}
}

func (e *encoder) uint(n uint64) {
	if e.err == nil {
		e.err = e.enc.EncodeUint(n)
	}
}

func (e *encoder) u256(v *uint256.Int) {
	if v == nil {
		v = new(uint256.Int)
	}
	b32 := v.Bytes32()
	e.bytes(b32[:])
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (s *Snapshot) EncodeMsgpack(menc *msgpack.Encoder) error {
	e := &encoder{enc: menc}
	e.mapLen(1)
	e.str("exchange")
	e.mapLen(1)
	e.str("hyper_evm")
	e.mapLen(2)
	e.str("state2")
	s.encodeState(e)
	e.str("latest_block2")
	s.encodeBlock(e)
	return e.err
}

func (s *Snapshot) encodeState(e *encoder) {
	e.mapLen(2)
	e.str("evm_db")
	e.mapLen(1)
	e.str("InMemory")
	e.mapLen(2)
	e.str("accounts")
	e.arrayLen(len(s.Accounts))
	for i := range s.Accounts {
		e.arrayLen(2)
		e.bytes(s.Accounts[i].Addr.Bytes())
		s.Accounts[i].Account.encode(e)
	}
	e.str("contracts")
	e.arrayLen(len(s.Contracts))
	for i := range s.Contracts {
		e.arrayLen(2)
		e.bytes(s.Contracts[i].CodeHash.Bytes())
		encodeBytecode(e, s.Contracts[i].Code)
	}
	e.str("block_hashes")
	e.arrayLen(len(s.BlockHashes))
	for _, entry := range s.BlockHashes {
		e.arrayLen(2)
		e.uint(entry.Number)
		e.bytes(entry.Hash.Bytes())
	}
}

func (s *Snapshot) encodeBlock(e *encoder) {
	e.mapLen(1)
	e.str("Reth115")
	e.mapLen(1)
	e.str("header")
	e.mapLen(2)
	e.str("hash")
	e.bytes(s.Block.Hash.Bytes())
	e.str("header")
	e.mapLen(2)
	e.str("number")
	e.uint(s.Block.Number)
	e.str("timestamp")
	e.uint(s.Block.Time)
}

func (a *Account) encode(e *encoder) {
	e.mapLen(2)
	e.str("i")
	e.mapLen(3)
	e.str("b")
	e.u256(a.Info.Balance)
	e.str("n")
	e.uint(a.Info.Nonce)
	e.str("c")
	e.bytes(a.Info.CodeHash.Bytes())
	e.str("s")
	e.arrayLen(len(a.Storage))
	for i := range a.Storage {
		e.arrayLen(2)
		e.u256(&a.Storage[i].Key)
		e.u256(&a.Storage[i].Value)
	}
}

func encodeBytecode(e *encoder, code Bytecode) {
	if e.err != nil {
		return
	}
	e.mapLen(1)
	e.str(code.Kind())
	switch bc := code.(type) {
	case RawBytecode:
		e.bytes(bc)
	case *AnalyzedBytecode:
		e.mapLen(3)
		e.str("bytecode")
		e.bytes(bc.Code)
		e.str("original_len")
		e.uint(uint64(bc.OriginalLen))
		e.str("jump_table")
		e.bytes(bc.JumpTable)
	case *DelegatedBytecode:
		e.mapLen(3)
		e.str("delegated_address")
		e.bytes(bc.Address.Bytes())
		e.str("version")
		e.uint(uint64(bc.Version))
		e.str("raw")
		e.bytes(bc.Raw)
	default:
		e.err = fmt.Errorf("unsupported bytecode type %T", code)
	}
}
