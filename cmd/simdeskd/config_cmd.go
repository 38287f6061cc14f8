// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/renameio/v2"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/simdesk/internal/config"
)

const redacted = "***"

func runConfigCLI(args []string) int {
	return runConfigCLIWith(args, os.Stdout, os.Stderr)
}

func runConfigCLIWith(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(stderr)
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], stdout, stderr)
	case "dump":
		return runConfigDump(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage(stderr)
		return 2
	}
}

func printConfigUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  simdeskd config validate [--file|-f simdesk.yaml]")
	fmt.Fprintln(w, "  simdeskd config dump [--file|-f simdesk.yaml] [--format=yaml|json] [--output|-o path]")
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simdeskd config validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.StringP("file", "f", "", "path to YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	if _, err := config.NewLoader(path).Load(); err != nil {
		fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", describePath(path), err)
		return 1
	}
	fmt.Fprintf(stdout, "%s is valid\n", describePath(path))
	return 0
}

// runConfigDump prints the effective configuration (defaults, file and env) with secrets redacted.
func runConfigDump(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simdeskd config dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.StringP("file", "f", "", "path to YAML configuration file")
	format := fs.String("format", "yaml", "output format: yaml or json")
	output := fs.StringP("output", "o", "", "write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", describePath(path), err)
		return 1
	}
	if cfg.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = redacted
	}

	var buf bytes.Buffer
	switch strings.ToLower(*format) {
	case "yaml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_ = enc.Close()
	case "json":
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 2
	}

	if *output == "" {
		_, _ = stdout.Write(buf.Bytes())
		return 0
	}
	// Written atomically so a running daemon watching the file never sees a partial document.
	if err := renameio.WriteFile(*output, buf.Bytes(), 0o600); err != nil {
		fmt.Fprintf(stderr, "Error: write %s: %v\n", *output, err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *output)
	return 0
}

func describePath(path string) string {
	if path == "" {
		return "environment configuration"
	}
	return path
}
