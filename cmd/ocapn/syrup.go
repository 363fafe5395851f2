package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

func newEncodeCommand(_ *RootOptions) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "encode <json>",
		Short: "Encode a JSON value as Syrup",
		Long: `Encode a JSON value as Syrup.

Objects become dictionaries, arrays lists and integral numbers integers.

Example:
  ocapn encode '{"name":"alice","age":30}' --hex`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseJSON(args[0])
			if err != nil {
				return err
			}
			data, err := codec.Encode(ops.Passable, v)
			if err != nil {
				return err
			}
			if asHex {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(data))
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "print hex instead of raw bytes")
	return cmd
}

func newDecodeCommand(root *RootOptions) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a Syrup CapTP message or passable value",
		Long: `Decode a Syrup CapTP message or passable value.

Reads the file argument, or stdin when it is absent or "-".`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "-"
			if len(args) == 1 {
				name = args[0]
			}
			data, err := readInput(cmd.InOrStdin(), name)
			if err != nil {
				return err
			}
			if asHex {
				data, err = hex.DecodeString(strings.TrimSpace(string(data)))
				if err != nil {
					return fmt.Errorf("decode hex: %w", err)
				}
			}
			if msg, err := ops.Decode(data, name); err == nil {
				return printValue(cmd.OutOrStdout(), root.Format, msg)
			}
			v, err := codec.Decode(ops.Passable, data, name)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), root.Format, v)
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "input is hex text")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}

// parseArg reads raw as JSON, or as a plain string when it is not JSON.
func parseArg(raw string) any {
	v, err := parseJSON(raw)
	if err != nil {
		return raw
	}
	return v
}

func parseJSON(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse json: trailing data")
	}
	return fromJSON(v)
}

func fromJSON(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, ok := new(big.Int).SetString(t.String(), 10); ok {
			if n.IsInt64() {
				return n.Int64(), nil
			}
			return n, nil
		}
		return t.Float64()
	case []any:
		for i, item := range t {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			t[i] = conv
		}
		return t, nil
	case map[string]any:
		for k, item := range t {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			t[k] = conv
		}
		return t, nil
	default:
		return v, nil
	}
}

func printValue(w io.Writer, format string, v any) error {
	if format == "json" {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"type": fmt.Sprintf("%T", v), "value": v}); err != nil {
			return err
		}
		_, err := w.Write(buf.Bytes())
		return err
	}
	_, err := fmt.Fprintf(w, "%T %+v\n", v, v)
	return err
}
