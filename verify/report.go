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

package verify

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
)

// Divergence kinds. KindAccount carries the mismatching field name in
// Field; KindCode uses Field to distinguish missing, not-empty and
// mismatching bytecode; KindBlockHash puts the block number there.
const (
	KindAccount   = "account"
	KindAbsent    = "absent"
	KindStorage   = "storage"
	KindCode      = "code"
	KindBlockHash = "block_hash"
)

// Divergence is one recorded mismatch between snapshot and store. It is
// data, not an error: in exhaustive mode the run keeps going, and each
// record carries enough context to be diagnosed on its own. Expected is the
// snapshot's view, Actual the store's.
type Divergence struct {
	Kind     string          `json:"kind"`
	Address  *common.Address `json:"address,omitempty"`
	CodeHash *common.Hash    `json:"codeHash,omitempty"`
	Field    string          `json:"field,omitempty"`
	Expected string          `json:"expected"`
	Actual   string          `json:"actual"`
	Block    uint64          `json:"block"`
}

// runMarker opens the JSON-lines result stream and identifies the run.
type runMarker struct {
	Block     uint64      `json:"block"`
	Hash      common.Hash `json:"hash"`
	Accounts  int         `json:"accounts"`
	Contracts int         `json:"contracts"`
}

// runSummary closes the JSON-lines result stream.
type runSummary struct {
	Divergences int    `json:"divergences"`
	Faults      uint64 `json:"faults"`
	Outcome     string `json:"outcome"`
}

// Report accumulates the outcome of one verification run. It is safe for
// concurrent use by the account workers. Divergences keep their recording
// order, which for a sequential run is snapshot order.
type Report struct {
	Accounts    atomic.Uint64 // accounts processed, faulted ones included
	Slots       atomic.Uint64 // storage slots compared
	Codes       atomic.Uint64 // bytecodes compared
	BlockHashes atomic.Uint64 // block hash records compared
	Faults      atomic.Uint64 // tolerated query faults
	ZeroHashes  atomic.Uint64 // zero-sentinel code hashes missing from the store

	mu   sync.Mutex
	divs []Divergence
	enc  *json.Encoder // optional JSON-lines sink
}

// newReport sets up the report and, when a sink is given, emits the marker
// record identifying the run before any result follows it.
func newReport(output io.Writer, block uint64, hash common.Hash, accounts, contracts int) *Report {
	r := new(Report)
	if output != nil {
		r.enc = json.NewEncoder(output)
		r.write(runMarker{Block: block, Hash: hash, Accounts: accounts, Contracts: contracts})
	}
	return r
}

// write emits one record on the JSON-lines sink. Callers hold mu or are
// still single-threaded. A failing sink is dropped, not retried: result
// streaming is best-effort, the report itself stays authoritative.
func (r *Report) write(v any) {
	if r.enc == nil {
		return
	}
	if err := r.enc.Encode(v); err != nil {
		log.Error("Failed to write result record", "err", err)
		r.enc = nil
	}
}

// add records one divergence: appended, streamed and logged as it is found.
func (r *Report) add(d Divergence) {
	r.mu.Lock()
	r.divs = append(r.divs, d)
	r.write(d)
	r.mu.Unlock()

	ctx := []any{"kind", d.Kind}
	if d.Address != nil {
		ctx = append(ctx, "address", *d.Address)
	}
	if d.CodeHash != nil {
		ctx = append(ctx, "codeHash", *d.CodeHash)
	}
	if d.Field != "" {
		ctx = append(ctx, "field", d.Field)
	}
	ctx = append(ctx, "expected", d.Expected, "actual", d.Actual, "block", d.Block)
	log.Error("Divergence found", ctx...)
}

// finish closes the JSON-lines stream with the run's totals.
func (r *Report) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := "clean"
	if len(r.divs) > 0 {
		outcome = "divergent"
	}
	r.write(runSummary{Divergences: len(r.divs), Faults: r.Faults.Load(), Outcome: outcome})
}

// Divergent reports whether at least one divergence was recorded.
func (r *Report) Divergent() bool {
	return r.Len() > 0
}

// Len returns the number of recorded divergences.
func (r *Report) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.divs)
}

// Divergences returns a copy of the recorded divergences.
func (r *Report) Divergences() []Divergence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Divergence(nil), r.divs...)
}

// WriteSummary renders the run's counters and verdict as a table.
func (r *Report) WriteSummary(w io.Writer) {
	byKind := make(map[string]int)
	r.mu.Lock()
	for _, d := range r.divs {
		byKind[d.Kind]++
	}
	total := len(r.divs)
	r.mu.Unlock()

	stats := [][]string{
		{"Accounts", strconv.FormatUint(r.Accounts.Load(), 10)},
		{"Storage slots", strconv.FormatUint(r.Slots.Load(), 10)},
		{"Bytecodes", strconv.FormatUint(r.Codes.Load(), 10)},
		{"Block hashes", strconv.FormatUint(r.BlockHashes.Load(), 10)},
		{"Query faults", strconv.FormatUint(r.Faults.Load(), 10)},
	}
	for _, kind := range []string{KindAccount, KindAbsent, KindStorage, KindCode, KindBlockHash} {
		if n := byKind[kind]; n > 0 {
			stats = append(stats, []string{fmt.Sprintf("Divergences (%s)", kind), strconv.Itoa(n)})
		}
	}
	outcome := "CLEAN"
	if total > 0 {
		outcome = "DIVERGENT"
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Check", "Count"})
	table.SetFooter([]string{"Outcome", outcome})
	table.AppendBulk(stats)
	table.Render()
}
