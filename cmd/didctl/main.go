// Command didctl is the operator tool for the derivation pipeline: offline
// derivation, DID inspection, mnemonic backups, and sealed-envelope handling.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := app().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "didctl: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.Command {
	return &cli.Command{
		Name:  "didctl",
		Usage: "derive and inspect biometric did:key identities",
		Commands: []*cli.Command{
			deriveCommand(),
			inspectCommand(),
			backupCommand(),
			restoreCommand(),
			sealCommand(),
			unsealCommand(),
			vectorsCommand(),
		},
	}
}
