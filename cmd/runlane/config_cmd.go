package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/runlane/internal/config"
	"github.com/mattjoyce/runlane/internal/doctor"
)

func runConfigNoun(args []string) int {
	action, rest, code, ok := nounAction("config", []string{"check", "lock", "show"}, args)
	if !ok {
		return code
	}
	switch action {
	case "check":
		return runConfigCheck(rest)
	case "lock":
		return runConfigLock(rest)
	case "show":
		return runConfigShow(rest)
	default:
		return unknownAction("config", action)
	}
}

// runConfigCheck exits 1 on errors and 2 on warnings under --strict.
func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := newFlagSet("check")
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, out)
	default:
		fmt.Fprint(stdout, doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var dryRun, verbose bool

	fs := newFlagSet("lock")
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Compute hashes without writing .checksums")
	fs.BoolVar(&verbose, "v", false, "List every hashed file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	reports, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, r := range reports {
		verb := "Locked"
		if !r.Written {
			verb = "Would lock"
		}
		fmt.Fprintf(stdout, "%s %d file(s) in %s\n", verb, len(r.Files), r.ConfigDir)
		if verbose || dryRun {
			for _, f := range r.Files {
				fmt.Fprintf(stdout, "  %s  %s\n", f.Hash, f.Filename)
			}
		}
	}
	return 0
}

func runConfigShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := newFlagSet("show")
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Load error: %v\n", err)
		return 1
	}

	if jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, string(data))
	return 0
}
