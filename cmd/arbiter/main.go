package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

const (
	appName = "arbiter"
	version = "v1.2.0"
)

var flagConfig string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Signal arbitration core: one auditable decision per instrument and horizon",
		Version: version,
		Long: `arbiter resolves competing trading intents from independent strategy
modules into a single execution decision per (instrument, horizon), with
regime-aware gating, expected-value ranking, colinearity resolution and a
tamper-evident, hash-chained decision ledger.`,
	}

	persistent := rootCmd.PersistentFlags()
	persistent.StringVarP(&flagConfig, "config", "c", "config/arbiter.yaml", "path to YAML configuration")
	addRunFlags(persistent)

	rootCmd.AddCommand(newRunCmd(), newVerifyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addRunFlags(flags *pflag.FlagSet) {
	flags.String("http-addr", "", "override monitoring API listen address")
}
