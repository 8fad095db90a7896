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
	"github.com/ethereum/go-ethereum/common"
)

// Wire tags of the supported bytecode variants. The set is closed: decoding
// any other tag is an error.
const (
	tagLegacyRaw      = "LegacyRaw"
	tagLegacyAnalyzed = "LegacyAnalyzed"
	tagEip7702        = "Eip7702"
)

// Bytecode is one of the closed set of contract code representations a
// snapshot may carry. Every variant reduces to the same canonical byte
// sequence for identical underlying code, which is what makes bytecode
// comparisons across differently-encoded sources meaningful.
type Bytecode interface {
	// OriginalBytes returns the canonical, variant-independent bytes of the
	// code. It is a pure projection: no side effects, same output on every
	// call.
	OriginalBytes() []byte

	// Kind returns the variant's wire tag.
	Kind() string
}

// RawBytecode is plain, unanalyzed bytecode. Its canonical bytes are the
// bytes themselves.
type RawBytecode []byte

func (b RawBytecode) OriginalBytes() []byte { return b }
func (b RawBytecode) Kind() string          { return tagLegacyRaw }

// AnalyzedBytecode is bytecode that went through jump-destination analysis:
// the code is padded past its original length and accompanied by a valid
// jump-destination bitmap. Canonical bytes are the pre-analysis prefix.
type AnalyzedBytecode struct {
	Code        []byte // padded bytecode, len(Code) >= OriginalLen
	OriginalLen int
	JumpTable   []byte // jump-destination bitmap, opaque here
}

func (b *AnalyzedBytecode) OriginalBytes() []byte { return b.Code[:b.OriginalLen] }
func (b *AnalyzedBytecode) Kind() string          { return tagLegacyAnalyzed }

// DelegatedBytecode is an EIP-7702 delegation designation: a marker that an
// externally owned account delegates execution to a contract address. Its
// canonical bytes are the raw designation itself.
type DelegatedBytecode struct {
	Address common.Address
	Version byte
	Raw     []byte
}

// NewDelegatedBytecode builds a delegation variant. When raw is empty the
// designation bytes are synthesized from the version and delegated address,
// so encodings that omit the redundant raw field still canonicalize.
func NewDelegatedBytecode(addr common.Address, version byte, raw []byte) *DelegatedBytecode {
	if len(raw) == 0 {
		raw = make([]byte, 0, 3+common.AddressLength)
		raw = append(raw, 0xef, 0x01, version)
		raw = append(raw, addr.Bytes()...)
	}
	return &DelegatedBytecode{Address: addr, Version: version, Raw: raw}
}

func (b *DelegatedBytecode) OriginalBytes() []byte { return b.Raw }
func (b *DelegatedBytecode) Kind() string          { return tagEip7702 }
