package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/opio"

	"github.com/risc0/kailua-validator/validator"
	"github.com/risc0/kailua-validator/validator/flags"
)

var (
	Version = "v0.1.0"
	Meta    = "dev"
)

func main() {
	app := cli.NewApp()
	app.Name = "kailua-validator"
	app.Usage = "Watchdog and prover agent for Kailua sequencing proposals"
	app.Description = "Watches sequencing proposals on the settlement chain, detects disputes, " +
		"and computes and submits the proofs that settle them."
	app.Version = fmt.Sprintf("%s-%s", Version, Meta)
	app.Commands = []*cli.Command{
		{
			Name:        "validate",
			Usage:       "Run the validator agent",
			Description: "Runs the dispute watchdog and proof orchestrator against the configured deployment.",
			Flags:       flags.Flags,
			Action:      cliapp.LifecycleCmd(validator.Main(app.Version)),
		},
	}

	ctx := opio.WithInterruptBlocker(context.Background())
	if err := app.RunContext(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
