package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v3"

	"github.com/kwelivote/biodid-go/internal/didkey"
	"github.com/kwelivote/biodid-go/internal/pipeline"
	"github.com/kwelivote/biodid-go/internal/seal"
)

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:   "backup",
		Usage:  "Derive and print the private seed as a BIP-39 mnemonic",
		Flags:  templateFlags(),
		Action: runBackup,
	}
}

func runBackup(ctx context.Context, cmd *cli.Command) error {
	result, err := runDerivation(cmd)
	if err != nil {
		return err
	}
	mnemonic, err := mnemonicFromResult(result)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "did: %s\n", result.DID)
	warnIfTerminal()
	fmt.Println(mnemonic)
	return nil
}

// mnemonicFromResult encodes the 32-byte private seed as a 24-word phrase.
func mnemonicFromResult(result pipeline.Result) (string, error) {
	seed, err := hex.DecodeString(result.PrivateKeyHex)
	if err != nil {
		return "", fmt.Errorf("decode private seed: %w", err)
	}
	return bip39.NewMnemonic(seed)
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Rebuild the key triple from a BIP-39 mnemonic backup",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mnemonic",
				Usage:    "24-word backup phrase",
				Required: true,
			},
		},
		Action: runRestore,
	}
}

func runRestore(ctx context.Context, cmd *cli.Command) error {
	result, err := restoreFromMnemonic(cmd.String("mnemonic"))
	if err != nil {
		return err
	}
	warnIfTerminal()
	return printJSON(result)
}

// restoreFromMnemonic decodes the phrase back into the private seed and
// rebuilds the same triple the derive command would have printed.
func restoreFromMnemonic(mnemonic string) (pipeline.Result, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return pipeline.Result{}, fmt.Errorf("mnemonic is not a valid BIP-39 phrase")
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return pipeline.Result{}, err
	}
	_, pub, err := didkey.Derive(seed)
	if err != nil {
		return pipeline.Result{}, err
	}
	did, err := didkey.FromPublicKey(pub)
	if err != nil {
		return pipeline.Result{}, err
	}
	return pipeline.Result{
		DID:           did,
		PrivateKeyHex: hex.EncodeToString(seed),
		PublicKeyHex:  hex.EncodeToString(pub),
	}, nil
}

func sealCommand() *cli.Command {
	return &cli.Command{
		Name:  "seal",
		Usage: "Seal a hex secret into a passphrase-protected envelope",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "secret-hex",
				Usage:    "hex-encoded secret to seal",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "passphrase",
				Usage: "sealing passphrase (or BIODID_SEAL_PASSPHRASE)",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "write the envelope to this file instead of stdout",
			},
		},
		Action: runSeal,
	}
}

func runSeal(ctx context.Context, cmd *cli.Command) error {
	pass, err := passphrase(cmd)
	if err != nil {
		return err
	}
	secret, err := hex.DecodeString(cmd.String("secret-hex"))
	if err != nil {
		return fmt.Errorf("decode secret: %w", err)
	}
	sealed, err := seal.Seal(pass, secret)
	if err != nil {
		return err
	}
	if path := cmd.String("out"); path != "" {
		return os.WriteFile(path, sealed, 0o600)
	}
	fmt.Println(string(sealed))
	return nil
}

func unsealCommand() *cli.Command {
	return &cli.Command{
		Name:  "unseal",
		Usage: "Open a sealed envelope and print the secret as hex",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "in",
				Usage:    "path to the envelope file",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "passphrase",
				Usage: "sealing passphrase (or BIODID_SEAL_PASSPHRASE)",
			},
		},
		Action: runUnseal,
	}
}

func runUnseal(ctx context.Context, cmd *cli.Command) error {
	pass, err := passphrase(cmd)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(cmd.String("in"))
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	secret, err := seal.Open(pass, raw)
	if err != nil {
		return err
	}
	warnIfTerminal()
	fmt.Println(hex.EncodeToString(secret))
	return nil
}

// passphrase resolves the sealing passphrase from the flag or the
// environment.
func passphrase(cmd *cli.Command) (string, error) {
	if pass := cmd.String("passphrase"); pass != "" {
		return pass, nil
	}
	if pass := os.Getenv("BIODID_SEAL_PASSPHRASE"); pass != "" {
		return pass, nil
	}
	return "", fmt.Errorf("a passphrase is required: --passphrase or BIODID_SEAL_PASSPHRASE")
}
