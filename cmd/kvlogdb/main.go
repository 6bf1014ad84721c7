// Command kvlogdb is the REPL entry point: it opens (and, if necessary,
// recovers) the log file, then reads commands from standard input and
// writes responses to standard output until EOF (spec §6 "CLI").
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/arjunsk/kvlogdb/internal/engine"
	"github.com/arjunsk/kvlogdb/internal/shell"
)

const defaultLogPath = "data.db"

func main() {
	app := &cli.App{
		Name:      "kvlogdb",
		Usage:     "a single-client, ordered key-value store with a write-ahead log",
		ArgsUsage: "[log-path]",
		Flags:     []cli.Flag{}, // spec §6: "No flags" — only the optional positional log path.
		Action:    run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := defaultLogPath
	if c.NArg() > 0 {
		path = c.Args().Get(0)
	}

	e, err := engine.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Printf("kvlogdb: close %s: %v", path, err)
		}
	}()

	return shell.Run(os.Stdin, os.Stdout, e)
}
