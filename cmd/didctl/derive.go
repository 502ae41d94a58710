package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/kwelivote/biodid-go/internal/didkey"
	"github.com/kwelivote/biodid-go/internal/model"
	"github.com/kwelivote/biodid-go/internal/pipeline"
)

// Pinned conformance vector: the all-zero 32-byte template.
const (
	vectorTemplateB64 = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	vectorUserID      = "alice"
	vectorDID         = "did:key:z6MkrRCKdz6LJq9cDYb2xJfskDyUWNUGGgwhQ3FtnSVvZuzi"
	vectorPrivHex     = "66687aadf862bd776c8fc18b8e9f8e20089714856ee233b3902a591d0d5f2925"
	vectorPubHex      = "b1c4df1c17cce90a03cd4c057fc74d4e2ee24ddfe2a8c9c5fd8d0a45a1f082f3"
)

// templateFlags are shared by every command that runs the pipeline.
func templateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "template-b64",
			Usage: "base64-encoded ISO/IEC 19794-2 fingerprint template",
		},
		&cli.StringFlag{
			Name:  "template-file",
			Usage: "path to a raw ISO/IEC 19794-2 template file",
		},
		&cli.StringFlag{
			Name:  "user",
			Usage: "subject identifier mixed into stabilization",
		},
		&cli.StringFlag{
			Name:  "stabilizer",
			Usage: "stabilization policy: concat or hkdf",
			Value: "concat",
		},
	}
}

func deriveCommand() *cli.Command {
	return &cli.Command{
		Name:   "derive",
		Usage:  "Derive a did:key identity from a fingerprint template",
		Flags:  templateFlags(),
		Action: runDerive,
	}
}

func runDerive(ctx context.Context, cmd *cli.Command) error {
	result, err := runDerivation(cmd)
	if err != nil {
		return err
	}
	warnIfTerminal()
	return printJSON(result)
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Decode a did:key identifier and print its document",
		ArgsUsage: "<did>",
		Action:    runInspect,
	}
}

func runInspect(ctx context.Context, cmd *cli.Command) error {
	did := cmd.Args().First()
	if did == "" {
		return fmt.Errorf("a did:key identifier is required")
	}
	pub, err := didkey.Parse(did)
	if err != nil {
		return err
	}
	out := struct {
		DID                string            `json:"did"`
		PublicKeyHex       string            `json:"publicKeyHex"`
		PublicKeyMultibase string            `json:"publicKeyMultibase"`
		Document           model.DIDDocument `json:"document"`
	}{
		DID:                did,
		PublicKeyHex:       hex.EncodeToString(pub),
		PublicKeyMultibase: strings.TrimPrefix(did, didkey.Prefix),
		Document:           model.NewDIDDocument(did),
	}
	return printJSON(out)
}

func vectorsCommand() *cli.Command {
	return &cli.Command{
		Name:   "vectors",
		Usage:  "Re-derive the pinned conformance vector and report the outcome",
		Action: runVectors,
	}
}

func runVectors(ctx context.Context, cmd *cli.Command) error {
	result, err := pipeline.BiometricToDID(&pipeline.Container{ISOTemplateBase64: vectorTemplateB64}, vectorUserID)
	if err != nil {
		return err
	}
	report := struct {
		TemplateBase64 string          `json:"templateBase64"`
		UserID         string          `json:"userId"`
		Result         pipeline.Result `json:"result"`
		OK             bool            `json:"ok"`
	}{
		TemplateBase64: vectorTemplateB64,
		UserID:         vectorUserID,
		Result:         result,
		OK: result.DID == vectorDID &&
			result.PrivateKeyHex == vectorPrivHex &&
			result.PublicKeyHex == vectorPubHex,
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if !report.OK {
		return fmt.Errorf("derivation does not reproduce the pinned vector")
	}
	return nil
}

// runDerivation resolves the template and stabilizer flags and executes the
// pipeline.
func runDerivation(cmd *cli.Command) (pipeline.Result, error) {
	templateB64, err := loadTemplate(cmd)
	if err != nil {
		return pipeline.Result{}, err
	}
	stabilizer, err := pipeline.StabilizerByName(cmd.String("stabilizer"))
	if err != nil {
		return pipeline.Result{}, err
	}
	pipe := pipeline.Pipeline{Stabilizer: stabilizer}
	return pipe.Run(&pipeline.Container{ISOTemplateBase64: templateB64}, cmd.String("user"))
}

// loadTemplate returns the base64 template from --template-b64 or by reading
// the raw bytes named by --template-file.
func loadTemplate(cmd *cli.Command) (string, error) {
	b64 := cmd.String("template-b64")
	path := cmd.String("template-file")
	switch {
	case b64 != "" && path != "":
		return "", fmt.Errorf("--template-b64 and --template-file are mutually exclusive")
	case b64 != "":
		return b64, nil
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	default:
		return "", fmt.Errorf("one of --template-b64 or --template-file is required")
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

// warnIfTerminal nudges operators when secret material is about to land on an
// interactive terminal.
func warnIfTerminal() {
	info, err := os.Stdout.Stat()
	if err != nil {
		return
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprintln(os.Stderr, "warning: private key material is being written to a terminal")
	}
}
