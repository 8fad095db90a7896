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

// Package verify reconciles a decoded ledger snapshot with a persisted
// state store and reports every point where the two disagree.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"github.com/sprites0/evm-diff/plainstate"
	"github.com/sprites0/evm-diff/snapshot"
)

// StateReader is the read-only view of the state store the verifier
// compares a snapshot against. Implementations are bound to one fixed
// historical block; the verifier never selects or advances the block
// itself. Absence is signalled with nil results, errors are reserved for
// genuine query faults.
type StateReader interface {
	// Account returns the basic account for addr, nil if the store has none.
	Account(addr common.Address) (*plainstate.Account, error)

	// Code returns the bytecode stored under hash, nil if unknown.
	Code(hash common.Hash) ([]byte, error)

	// Storage returns the value of a single slot, nil if unset.
	Storage(addr common.Address, slot common.Hash) (*uint256.Int, error)

	// ContractState extracts the account, bytecode and full storage of
	// addr in one pass, nil if the account is absent.
	ContractState(addr common.Address) (*plainstate.ContractState, error)

	// BlockHash returns the canonical hash recorded for number, zero if
	// none is recorded.
	BlockHash(number uint64) (common.Hash, error)
}

// StorageMode selects how account storage is reconciled.
type StorageMode int

const (
	// ScanStorage extracts each contract's full storage with a duplicate
	// group scan and compares whole maps. It catches slots the snapshot
	// does not mention.
	ScanStorage StorageMode = iota

	// LookupStorage point-reads only the slots the snapshot names. Cheaper
	// on large state, but blind to extra slots present in the store.
	LookupStorage
)

// ParseStorageMode resolves the command line spelling of a storage mode.
func ParseStorageMode(s string) (StorageMode, error) {
	switch s {
	case "scan":
		return ScanStorage, nil
	case "lookup":
		return LookupStorage, nil
	default:
		return 0, fmt.Errorf("unknown storage mode %q, use scan or lookup", s)
	}
}

func (m StorageMode) String() string {
	if m == LookupStorage {
		return "lookup"
	}
	return "scan"
}

// Config tunes a verification run.
type Config struct {
	FailFast         bool        // stop at the first divergence
	Workers          int         // concurrent account tasks, <= 1 runs sequentially
	StorageMode      StorageMode // scan whole groups or look up named slots
	CheckBlockHashes bool        // reconcile the snapshot's block hash history
	Block            *uint64     // reference block override, defaults to the snapshot header
	Output           io.Writer   // optional JSON-lines sink for result records
}

// Verifier drives the comparison of one decoded snapshot against a state
// store.
type Verifier struct {
	reader StateReader
	cfg    Config
	block  uint64 // reference block for divergence records
	report *Report
	start  time.Time
	logged time.Time // last sequential progress line
}

// New creates a verifier reading from reader.
func New(reader StateReader, cfg Config) *Verifier {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Verifier{reader: reader, cfg: cfg}
}

// errStop aborts the sweeps once fail-fast mode has recorded a divergence.
var errStop = errors.New("stopping after first divergence")

// Run verifies the snapshot and returns the accumulated report. The error
// is reserved for unrecoverable faults: storage scans, bytecode lookups and
// store corruption. Divergences never surface as errors, they make the
// report Divergent instead.
func (v *Verifier) Run(snap *snapshot.Snapshot) (*Report, error) {
	v.block = snap.Block.Number
	if v.cfg.Block != nil {
		v.block = *v.cfg.Block
	}
	v.start = time.Now()
	v.logged = v.start

	accounts := snap.DedupAccounts()
	contracts := snap.DedupContracts()
	v.report = newReport(v.cfg.Output, v.block, snap.Block.Hash, len(accounts), len(contracts))

	log.Info("Verifying state snapshot", "block", v.block, "accounts", len(accounts),
		"contracts", len(contracts), "mode", v.cfg.StorageMode, "workers", v.cfg.Workers)

	err := v.verifyAccounts(accounts)
	if err == nil {
		err = v.verifyContracts(contracts)
	}
	if err == nil && v.cfg.CheckBlockHashes {
		err = v.verifyBlockHashes(snap.BlockHashes)
	}
	if errors.Is(err, errStop) {
		err = nil
	}
	if err != nil {
		return v.report, err
	}
	v.report.finish()

	elapsed := common.PrettyDuration(time.Since(v.start))
	if v.report.Divergent() {
		log.Warn("State snapshot diverges from store", "block", v.block,
			"divergences", v.report.Len(), "elapsed", elapsed)
	} else {
		log.Info("State snapshot matches store", "block", v.block,
			"accounts", v.report.Accounts.Load(), "slots", v.report.Slots.Load(),
			"codes", v.report.Codes.Load(), "elapsed", elapsed)
	}
	return v.report, nil
}

// record stores one divergence and decides whether the run goes on.
func (v *Verifier) record(d Divergence) error {
	v.report.add(d)
	if v.cfg.FailFast {
		return errStop
	}
	return nil
}

func (v *Verifier) verifyAccounts(entries []snapshot.AccountEntry) error {
	if v.cfg.Workers > 1 {
		return v.verifyAccountsParallel(entries)
	}
	for i := range entries {
		if err := v.verifyAccount(entries[i].Addr, &entries[i].Account); err != nil {
			return err
		}
		v.report.Accounts.Add(1)
		if time.Since(v.logged) > 8*time.Second {
			v.logged = time.Now()
			log.Info("Verifying accounts", "done", v.report.Accounts.Load(), "total", len(entries),
				"slots", v.report.Slots.Load(), "elapsed", common.PrettyDuration(time.Since(v.start)))
		}
	}
	return nil
}

func (v *Verifier) verifyAccountsParallel(entries []snapshot.AccountEntry) error {
	var (
		group, ctx = errgroup.WithContext(context.Background())
		done       = make(chan struct{})
	)
	group.SetLimit(v.cfg.Workers)
	defer close(done)

	go func() {
		ticker := time.NewTicker(8 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				log.Info("Verifying accounts", "done", v.report.Accounts.Load(), "total", len(entries),
					"slots", v.report.Slots.Load(), "elapsed", common.PrettyDuration(time.Since(v.start)))
			}
		}
	}()
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		entry := &entries[i]
		group.Go(func() error {
			if err := v.verifyAccount(entry.Addr, &entry.Account); err != nil {
				return err
			}
			v.report.Accounts.Add(1)
			return nil
		})
	}
	return group.Wait()
}

// verifyAccount reconciles one snapshot account against the store. Lookup
// faults on the basic account are tolerated and counted so one flaky read
// cannot sink an exhaustive run; everything below that aborts.
func (v *Verifier) verifyAccount(addr common.Address, acc *snapshot.Account) error {
	stored, err := v.reader.Account(addr)
	if err != nil {
		v.report.Faults.Add(1)
		log.Error("Account lookup failed", "address", addr, "err", err)
		return nil
	}
	if stored == nil {
		if acc.Empty() {
			return nil
		}
		return v.record(Divergence{
			Kind:     KindAbsent,
			Address:  &addr,
			Field:    nonDefaultFields(acc),
			Expected: describeAccount(acc),
			Actual:   "no account",
			Block:    v.block,
		})
	}
	if !balance(stored.Balance).Eq(balance(acc.Info.Balance)) {
		err := v.record(Divergence{
			Kind:     KindAccount,
			Address:  &addr,
			Field:    "balance",
			Expected: balance(acc.Info.Balance).Dec(),
			Actual:   balance(stored.Balance).Dec(),
			Block:    v.block,
		})
		if err != nil {
			return err
		}
	}
	if stored.Nonce != acc.Info.Nonce {
		err := v.record(Divergence{
			Kind:     KindAccount,
			Address:  &addr,
			Field:    "nonce",
			Expected: strconv.FormatUint(acc.Info.Nonce, 10),
			Actual:   strconv.FormatUint(stored.Nonce, 10),
			Block:    v.block,
		})
		if err != nil {
			return err
		}
	}
	if stored.CodeHash != acc.Info.CodeHash {
		err := v.record(Divergence{
			Kind:     KindAccount,
			Address:  &addr,
			Field:    "code_hash",
			Expected: acc.Info.CodeHash.Hex(),
			Actual:   stored.CodeHash.Hex(),
			Block:    v.block,
		})
		if err != nil {
			return err
		}
	}
	return v.verifyStorage(addr, acc)
}

func (v *Verifier) verifyStorage(addr common.Address, acc *snapshot.Account) error {
	want := acc.NonZeroStorage()
	if v.cfg.StorageMode == LookupStorage {
		return v.verifyStorageLookup(addr, want)
	}
	state, err := v.reader.ContractState(addr)
	if err != nil {
		return fmt.Errorf("contract state %x: %w", addr, err)
	}
	if state == nil {
		return fmt.Errorf("contract state %x: account vanished mid-run", addr)
	}
	v.report.Slots.Add(uint64(len(state.Storage)))
	if maps.Equal(state.Storage, want) {
		return nil
	}
	log.Debug("Contract state mismatch", "address", addr, "state", spew.Sdump(state))
	return v.record(Divergence{
		Kind:     KindStorage,
		Address:  &addr,
		Expected: formatStorage(want),
		Actual:   formatStorage(state.Storage),
		Block:    v.block,
	})
}

func (v *Verifier) verifyStorageLookup(addr common.Address, want map[common.Hash]uint256.Int) error {
	for _, slot := range sortedSlots(want) {
		value := want[slot]
		stored, err := v.reader.Storage(addr, slot)
		if err != nil {
			return fmt.Errorf("storage %x slot %x: %w", addr, slot, err)
		}
		v.report.Slots.Add(1)
		if stored != nil && stored.Eq(&value) {
			continue
		}
		actual := "unset"
		if stored != nil {
			actual = stored.Hex()
		}
		err = v.record(Divergence{
			Kind:     KindStorage,
			Address:  &addr,
			Field:    slot.Hex(),
			Expected: value.Hex(),
			Actual:   actual,
			Block:    v.block,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (v *Verifier) verifyContracts(entries []snapshot.ContractEntry) error {
	for _, entry := range entries {
		if err := v.verifyContract(entry.CodeHash, entry.Code); err != nil {
			return err
		}
		v.report.Codes.Add(1)
		if time.Since(v.logged) > 8*time.Second {
			v.logged = time.Now()
			log.Info("Verifying bytecodes", "done", v.report.Codes.Load(), "total", len(entries),
				"elapsed", common.PrettyDuration(time.Since(v.start)))
		}
	}
	return nil
}

// verifyContract checks one deduplicated bytecode entry. Store faults here
// abort the run: a store that cannot answer bytecode lookups is not worth
// diffing further.
func (v *Verifier) verifyContract(hash common.Hash, code snapshot.Bytecode) error {
	want := code.OriginalBytes()
	stored, err := v.reader.Code(hash)
	if err != nil {
		return fmt.Errorf("bytecode %x: %w", hash, err)
	}
	if hash == types.EmptyCodeHash {
		// Absence and empty bytes are interchangeable for the empty code.
		if len(stored) != 0 {
			return v.record(Divergence{
				Kind:     KindCode,
				CodeHash: &hash,
				Field:    "not-empty",
				Expected: "no bytecode",
				Actual:   describeCode(stored),
				Block:    v.block,
			})
		}
		return nil
	}
	if stored == nil {
		if hash == (common.Hash{}) {
			// The zero sentinel does not name a real contract, so its
			// absence is noted rather than reported.
			v.report.ZeroHashes.Add(1)
			log.Warn("Zero code hash missing from store", "len", len(want))
			return nil
		}
		return v.record(Divergence{
			Kind:     KindCode,
			CodeHash: &hash,
			Field:    "missing",
			Expected: describeCode(want),
			Actual:   "no bytecode",
			Block:    v.block,
		})
	}
	if !bytes.Equal(stored, want) {
		return v.record(Divergence{
			Kind:     KindCode,
			CodeHash: &hash,
			Field:    "mismatch",
			Expected: describeCode(want),
			Actual:   describeCode(stored),
			Block:    v.block,
		})
	}
	return nil
}

// verifyBlockHashes reconciles the snapshot's recent hash history with the
// store's canonical records. Stores imported without hash records are
// tolerated: only a present-but-different record diverges.
func (v *Verifier) verifyBlockHashes(entries []snapshot.BlockHashEntry) error {
	var missing int
	for _, entry := range entries {
		stored, err := v.reader.BlockHash(entry.Number)
		if err != nil {
			v.report.Faults.Add(1)
			log.Error("Block hash lookup failed", "number", entry.Number, "err", err)
			continue
		}
		if stored == (common.Hash{}) {
			missing++
			continue
		}
		v.report.BlockHashes.Add(1)
		if stored != entry.Hash {
			err := v.record(Divergence{
				Kind:     KindBlockHash,
				Field:    strconv.FormatUint(entry.Number, 10),
				Expected: entry.Hash.Hex(),
				Actual:   stored.Hex(),
				Block:    v.block,
			})
			if err != nil {
				return err
			}
		}
	}
	if missing > 0 {
		log.Debug("Block hashes absent from store", "missing", missing, "checked", len(entries))
	}
	return nil
}

// zeroBalance backs nil balances in comparisons. Never written to.
var zeroBalance = new(uint256.Int)

func balance(b *uint256.Int) *uint256.Int {
	if b == nil {
		return zeroBalance
	}
	return b
}

// nonDefaultFields names the fields of a snapshot record that differ from
// the empty-account defaults.
func nonDefaultFields(acc *snapshot.Account) string {
	var fields []string
	if acc.Info.Balance != nil && !acc.Info.Balance.IsZero() {
		fields = append(fields, "balance")
	}
	if acc.Info.Nonce != 0 {
		fields = append(fields, "nonce")
	}
	if acc.Info.CodeHash != types.EmptyCodeHash {
		fields = append(fields, "code_hash")
	}
	if len(acc.Storage) != 0 {
		fields = append(fields, "storage")
	}
	return strings.Join(fields, ",")
}

// describeAccount renders the basic fields of a snapshot record.
func describeAccount(acc *snapshot.Account) string {
	return fmt.Sprintf("balance %s, nonce %d, code hash %x, %d storage entries",
		balance(acc.Info.Balance).Dec(), acc.Info.Nonce, acc.Info.CodeHash, len(acc.Storage))
}

// describeCode summarizes bytecode for a record: short code inline, long
// code by length and hash.
func describeCode(code []byte) string {
	if len(code) == 0 {
		return "empty bytecode"
	}
	if len(code) <= 32 {
		return hexutil.Encode(code)
	}
	return fmt.Sprintf("%d bytes, keccak %x", len(code), crypto.Keccak256(code))
}

func sortedSlots(storage map[common.Hash]uint256.Int) []common.Hash {
	slots := make([]common.Hash, 0, len(storage))
	for slot := range storage {
		slots = append(slots, slot)
	}
	slices.SortFunc(slots, func(a, b common.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	return slots
}

// formatStorage renders a storage map deterministically, ascending by slot.
func formatStorage(storage map[common.Hash]uint256.Int) string {
	if len(storage) == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteString("{")
	for i, slot := range sortedSlots(storage) {
		if i > 0 {
			b.WriteString(", ")
		}
		value := storage[slot]
		fmt.Fprintf(&b, "%x: %s", slot, value.Hex())
	}
	b.WriteString("}")
	return b.String()
}
