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

// evm-diff verifies ledger state snapshots against a local plain state
// store.
package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
)

var (
	datadirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory holding the state store",
		Required: true,
	}
	dbEngineFlag = &cli.StringFlag{
		Name:  "db.engine",
		Usage: "Backing database implementation to use ('pebble' or 'leveldb')",
		Value: "pebble",
	}
	cacheFlag = &cli.IntFlag{
		Name:  "cache",
		Usage: "Megabytes of memory allocated to database caching",
		Value: 512,
	}
	handlesFlag = &cli.IntFlag{
		Name:  "handles",
		Usage: "Number of file handles the database may keep open",
		Value: 512,
	}
	failFastFlag = &cli.BoolFlag{
		Name:  "fail-fast",
		Usage: "Stop at the first divergence instead of reporting all of them",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Number of accounts verified concurrently",
		Value: 1,
	}
	storageModeFlag = &cli.StringFlag{
		Name:  "storage.mode",
		Usage: "Storage reconciliation mode ('scan' compares whole groups, 'lookup' point-reads snapshot slots)",
		Value: "scan",
	}
	blockHashesFlag = &cli.BoolFlag{
		Name:  "blockhashes",
		Usage: "Verify the snapshot's recent block hash records",
		Value: true,
	}
	blockFlag = &cli.Uint64Flag{
		Name:  "block",
		Usage: "Override the reference block number and skip the store height check",
	}
	jsonFlag = &cli.StringFlag{
		Name:  "json",
		Usage: "Stream result records as JSON lines to the given file ('-' for stdout)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

var app = &cli.App{
	Name:      "evm-diff",
	Usage:     "verify ledger state snapshots against a local state store",
	Copyright: "Copyright 2025 The evm-diff Authors",
	Flags:     []cli.Flag{verbosityFlag},
	Before:    setupLogging,
	Commands: []*cli.Command{
		diffCommand,
		inspectCommand,
		importCommand,
	},
}

func setupLogging(ctx *cli.Context) error {
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), usecolor)
	log.SetDefault(log.NewLogger(handler))
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
