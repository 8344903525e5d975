package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/cardwire/internal/signature"
	"github.com/spf13/cobra"
)

type detectResult struct {
	Found      bool                  `json:"found"`
	CardMode   string                `json:"cardMode,omitempty"`
	Signature  *signature.Signature  `json:"signature,omitempty"`
	Normalized *signature.Normalized `json:"normalized,omitempty"`
}

func detectCmd() *cobra.Command {
	var toolName, data, catalogPath string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Classify a tool name and JSON payload",
		Example: `  cardwire detect --tool alpharank_latest_predictions
  cardwire detect --data '{"files":[{"name":"a.txt","type":"file"}]}'
  cardwire detect --tool filesystem_list_directory --data @out.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if catalogPath == "" {
				catalogPath = os.Getenv("SIGNATURE_CATALOG")
			}
			return runDetect(cmd.InOrStdin(), cmd.OutOrStdout(), toolName, data, catalogPath)
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name to classify")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload, @file to read a file, or - for stdin")
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "signature catalog YAML (default $SIGNATURE_CATALOG)")
	return cmd
}

func runDetect(stdin io.Reader, out io.Writer, toolName, data, catalogPath string) error {
	if toolName == "" && data == "" {
		return errors.New("one of --tool or --data is required")
	}
	reg, err := loadRegistry(catalogPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}

	var payload any
	if data != "" {
		raw, err := readPayload(stdin, data)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("parse --data: %w", err)
		}
	}

	var res detectResult
	if sig, ok := reg.Detect(toolName, payload); ok {
		res = detectResult{Found: true, CardMode: sig.CardMode(), Signature: &sig}
		if payload != nil {
			n := signature.Normalize(sig, payload)
			res.Normalized = &n
		}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func readPayload(stdin io.Reader, data string) ([]byte, error) {
	switch {
	case data == "-":
		return io.ReadAll(stdin)
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	default:
		return []byte(data), nil
	}
}
