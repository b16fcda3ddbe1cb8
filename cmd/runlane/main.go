package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// stdout and stderr are swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "control":
		return runControlNoun(args)
	case "lane":
		return runLaneNoun(args)
	case "dispatch":
		return runDispatchNoun(args)
	case "effect":
		return runEffectNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "inspect":
		return runDispatchInspect(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", cmd)
		printUsage(stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Usage: runlane version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Fprintf(stdout, "runlane %s\n", info.Version)
	fmt.Fprintf(stdout, "commit: %s\n", info.Commit)
	fmt.Fprintf(stdout, "built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		if len(commit) > 12 {
			commit = commit[:12]
		}
		info.Commit = commit
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `runlane - durable lanes, dispatches and outbox for agent runs

Usage:
  runlane <noun> <action> [flags]

Core Resources (Nouns):
  system    Service lifecycle and health
  control   Fleet-wide pause switch and concurrency ceiling
  lane      Per-conversation queues
  dispatch  Agent runs
  effect    Outbound deliveries
  config    Configuration validation and integrity

System Commands:
  system start              Run scheduler, workers, API and webhooks in the foreground
  system status             Show control state and row counts
  system watch              Live dashboard over the API event stream

Control Commands:
  control show              Show the runtime control row
  control pause             Pause claims (--mode soft|hard)
  control resume            Resume claims
  control concurrency <n>   Set the global dispatch ceiling

Lane Commands:
  lane list                 List lanes
  lane show <key>           Show a lane and its pending messages
  lane enqueue              Enqueue a message
  lane pause <key>          Stop a lane from being claimed
  lane resume <key>         Resume a lane
  lane mode <key> <mode>    Switch a lane between queue and steer

Dispatch Commands:
  dispatch list             List dispatches
  dispatch inspect <id>     Show transcript, messages and effects
  dispatch cancel <id>      Cancel a dispatch
  dispatch pause <id>       Ask a dispatch to stop and requeue
  dispatch resume <id>      Clear a pause request
  dispatch replay <id>      Re-run a finished dispatch
  dispatch merge <id> <into>  Fold a queued dispatch into another

Effect Commands:
  effect list               List effects
  effect release <id>       Return an unknown effect to pending

Config Commands:
  config check              Validate syntax, policy, and integrity
  config lock               Authorize current state (update integrity hashes)
  config show               Print the resolved configuration

General:
  version                   Show version information
  help                      Show this help message

Most commands accept --config PATH (file or directory) and --json.
`)
}

// newFlagSet returns a flag set that reports errors on stderr without
// exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseInterleaved parses flags that may appear after positional
// arguments, as in "lane pause KEY --reason x".
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, string(data))
	return 0
}

// nounAction splits args into an action and its arguments, printing help
// when asked.
func nounAction(noun string, actions []string, args []string) (string, []string, int, bool) {
	if len(args) < 1 {
		printNounHelp(stderr, noun, actions)
		return "", nil, 1, false
	}
	if isHelpToken(args[0]) {
		printNounHelp(stdout, noun, actions)
		return "", nil, 0, false
	}
	return args[0], args[1:], 0, true
}

func printNounHelp(w io.Writer, noun string, actions []string) {
	fmt.Fprintf(w, "Usage: runlane %s <action> [flags]\n", noun)
	fmt.Fprintf(w, "Actions: %s\n", strings.Join(actions, ", "))
}

func unknownAction(noun, action string) int {
	fmt.Fprintf(stderr, "Unknown %s action: %s\n", noun, action)
	return 1
}
