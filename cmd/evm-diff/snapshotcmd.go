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

package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/sprites0/evm-diff/plainstate"
	"github.com/sprites0/evm-diff/snapshot"
)

var inspectCommand = &cli.Command{
	Action:    inspectSnapshot,
	Name:      "inspect",
	Usage:     "Print a summary of a state snapshot file",
	ArgsUsage: "<snapshotfile>",
	Description: `
Decodes the snapshot file and prints its composition without touching any
store: block reference, account and storage counts, bytecode variants and
the span of the block hash history.`,
}

var importCommand = &cli.Command{
	Action:    importSnapshot,
	Name:      "import",
	Usage:     "Import a state snapshot into a fresh local store",
	ArgsUsage: "<snapshotfile>",
	Flags: []cli.Flag{
		datadirFlag,
		dbEngineFlag,
		cacheFlag,
		handlesFlag,
	},
	Description: `
Flattens the snapshot into the plain state schema: deduplicated accounts,
non-zero storage slots, bytecodes keyed by code hash and the block hash
history. The target datadir must not hold a previous import.`,
}

// loadSnapshot decodes a snapshot file into memory.
func loadSnapshot(path string) (*snapshot.Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	start := time.Now()
	snap, err := snapshot.Decode(bufio.NewReader(file))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	log.Info("Loaded state snapshot", "path", path, "block", snap.Block.Number,
		"accounts", len(snap.Accounts), "contracts", len(snap.Contracts),
		"elapsed", common.PrettyDuration(time.Since(start)))
	return snap, nil
}

func inspectSnapshot(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("expecting one argument, the snapshot file")
	}
	snap, err := loadSnapshot(ctx.Args().First())
	if err != nil {
		return err
	}
	var (
		slots     int
		zeroSlots int
		codeBytes int
		kinds     = make(map[string]int)
	)
	for _, entry := range snap.Accounts {
		slots += len(entry.Account.Storage)
		for _, s := range entry.Account.Storage {
			if s.Value.IsZero() {
				zeroSlots++
			}
		}
	}
	for _, entry := range snap.Contracts {
		kinds[entry.Code.Kind()]++
		codeBytes += len(entry.Code.OriginalBytes())
	}
	stats := [][]string{
		{"Block number", strconv.FormatUint(snap.Block.Number, 10)},
		{"Block hash", snap.Block.Hash.Hex()},
		{"Block time", strconv.FormatUint(snap.Block.Time, 10)},
		{"Accounts", strconv.Itoa(len(snap.Accounts))},
		{"Storage entries", strconv.Itoa(slots)},
		{"Zero-valued entries", strconv.Itoa(zeroSlots)},
		{"Bytecodes", strconv.Itoa(len(snap.Contracts))},
	}
	for _, kind := range sortedKinds(kinds) {
		stats = append(stats, []string{fmt.Sprintf("Bytecodes (%s)", kind), strconv.Itoa(kinds[kind])})
	}
	stats = append(stats,
		[]string{"Bytecode bytes", strconv.Itoa(codeBytes)},
		[]string{"Block hashes", strconv.Itoa(len(snap.BlockHashes))},
	)
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Item", "Value"})
	table.AppendBulk(stats)
	table.Render()
	return nil
}

func sortedKinds(kinds map[string]int) []string {
	names := make([]string, 0, len(kinds))
	for name := range kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func importSnapshot(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("expecting one argument, the snapshot file")
	}
	snap, err := loadSnapshot(ctx.Args().First())
	if err != nil {
		return err
	}
	db, err := plainstate.Open(ctx.String(datadirFlag.Name), ctx.String(dbEngineFlag.Name),
		ctx.Int(cacheFlag.Name), ctx.Int(handlesFlag.Name), false)
	if err != nil {
		return err
	}
	defer db.Close()

	// Refuse to write over an earlier import. Leftover state from another
	// block would show up as divergences later and mislead everyone.
	if last, err := plainstate.NewReader(db).LastBlock(); err != nil {
		return err
	} else if last != nil {
		return fmt.Errorf("store already holds block %d, import needs a fresh datadir", *last)
	}
	start := time.Now()
	accounts, slots, codes, err := writeSnapshot(db, snap)
	if err != nil {
		return err
	}
	log.Info("Imported state snapshot", "block", snap.Block.Number, "accounts", accounts,
		"slots", slots, "codes", codes, "elapsed", common.PrettyDuration(time.Since(start)))
	return nil
}

// writeSnapshot flattens a snapshot into the plain state schema through
// batched writes: deduplicated accounts, their non-zero storage slots,
// bytecodes keyed by code hash, the block hash history and the reference
// block number.
func writeSnapshot(db ethdb.KeyValueStore, snap *snapshot.Snapshot) (accounts, slots, codes int, err error) {
	var (
		start  = time.Now()
		logged = start
		batch  = db.NewBatch()
	)
	flush := func(force bool) error {
		if !force && batch.ValueSize() < ethdb.IdealBatchSize {
			return nil
		}
		if err := batch.Write(); err != nil {
			return err
		}
		batch.Reset()
		return nil
	}
	for _, entry := range snap.DedupAccounts() {
		plainstate.WriteAccount(batch, entry.Addr, &plainstate.Account{
			Nonce:    entry.Account.Info.Nonce,
			Balance:  entry.Account.Info.Balance,
			CodeHash: entry.Account.Info.CodeHash,
		})
		storage := entry.Account.NonZeroStorage()
		for slot, value := range storage {
			plainstate.WriteStorageSlot(batch, entry.Addr, slot, &value)
		}
		accounts++
		slots += len(storage)
		if err := flush(false); err != nil {
			return 0, 0, 0, err
		}
		if time.Since(logged) > 8*time.Second {
			logged = time.Now()
			log.Info("Importing state snapshot", "accounts", accounts, "slots", slots,
				"elapsed", common.PrettyDuration(time.Since(start)))
		}
	}
	for _, entry := range snap.DedupContracts() {
		code := entry.Code.OriginalBytes()
		if len(code) == 0 {
			continue
		}
		plainstate.WriteCode(batch, entry.CodeHash, code)
		codes++
		if err := flush(false); err != nil {
			return 0, 0, 0, err
		}
	}
	for _, entry := range snap.BlockHashes {
		plainstate.WriteBlockHash(batch, entry.Number, entry.Hash)
	}
	plainstate.WriteLastBlock(batch, snap.Block.Number)
	if err := flush(true); err != nil {
		return 0, 0, 0, err
	}
	return accounts, slots, codes, nil
}
