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
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/sprites0/evm-diff/plainstate"
	"github.com/sprites0/evm-diff/verify"
)

var diffCommand = &cli.Command{
	Action:    diffSnapshot,
	Name:      "diff",
	Usage:     "Verify a state snapshot against the local store",
	ArgsUsage: "<snapshotfile>",
	Flags: []cli.Flag{
		datadirFlag,
		dbEngineFlag,
		cacheFlag,
		handlesFlag,
		failFastFlag,
		workersFlag,
		storageModeFlag,
		blockHashesFlag,
		blockFlag,
		jsonFlag,
	},
	Description: `
Decodes the snapshot file, replays every account, storage slot, bytecode and
block hash record against the store and prints a summary table. The exit
status is zero only when snapshot and store agree everywhere.

The store must hold the same block the snapshot was taken at; pass --block
to override the reference block and skip that check.`,
}

func diffSnapshot(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("expecting one argument, the snapshot file")
	}
	snap, err := loadSnapshot(ctx.Args().First())
	if err != nil {
		return err
	}
	mode, err := verify.ParseStorageMode(ctx.String(storageModeFlag.Name))
	if err != nil {
		return err
	}
	db, err := plainstate.Open(ctx.String(datadirFlag.Name), ctx.String(dbEngineFlag.Name),
		ctx.Int(cacheFlag.Name), ctx.Int(handlesFlag.Name), true)
	if err != nil {
		return err
	}
	defer db.Close()

	reader := plainstate.NewReader(db)
	cfg := verify.Config{
		FailFast:         ctx.Bool(failFastFlag.Name),
		Workers:          ctx.Int(workersFlag.Name),
		StorageMode:      mode,
		CheckBlockHashes: ctx.Bool(blockHashesFlag.Name),
	}
	if ctx.IsSet(blockFlag.Name) {
		block := ctx.Uint64(blockFlag.Name)
		cfg.Block = &block
	} else if last, err := reader.LastBlock(); err != nil {
		return err
	} else if last == nil {
		return errors.New("store holds no imported snapshot, run import first")
	} else if *last != snap.Block.Number {
		return fmt.Errorf("store is at block %d, snapshot at %d", *last, snap.Block.Number)
	}
	if name := ctx.String(jsonFlag.Name); name != "" {
		if name == "-" {
			cfg.Output = os.Stdout
		} else {
			file, err := os.Create(name)
			if err != nil {
				return fmt.Errorf("create result file: %w", err)
			}
			defer file.Close()
			cfg.Output = file
		}
	}
	report, err := verify.New(reader, cfg).Run(snap)
	if err != nil {
		return err
	}
	report.WriteSummary(os.Stdout)
	if report.Divergent() {
		return fmt.Errorf("snapshot diverges from store in %d places", report.Len())
	}
	return nil
}
