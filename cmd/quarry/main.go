package main

import (
	"encoding/json"
	"flag"
	"fmt"
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

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "job":
		return runJobNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "breaker":
		return runBreakerNoun(args)
	case "quarantine":
		return runQuarantineNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: quarry version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("quarry %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
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

func printUsage() {
	fmt.Print(`quarry - sandboxed ingestion pipeline with row quarantine

Usage:
  quarry <noun> <action> [flags]

Resources:
  system      Dispatcher lifecycle
  job         Queued ingestion jobs
  plugin      Parser plugin versions
  breaker     Per-plugin circuit breakers
  quarantine  Rows that could not become output

System Commands:
  system start              Run the dispatcher (and API when enabled) in the foreground
  system doctor             Check config, plugins, manifests and breakers

Job Commands:
  job enqueue               Queue a payload for a plugin
  job list                  List jobs with their display status
  job show <id>             Show a job, its attempts and quarantine summary
  job requeue <id>          Requeue a failed job
  job release <plugin>      Queue every staged job of a plugin

Plugin Commands:
  plugin sync               Discover plugins and register new versions
  plugin list <name>        Show registered versions of a plugin
  plugin stage <id>         Mark a pending version as under evaluation
  plugin promote <id>       Make a manifest entry active
  plugin reject <id>        Reject a manifest entry

Breaker Commands:
  breaker list              Show breaker state per plugin
  breaker resume <plugin>   Resume a paused plugin now

Quarantine Commands:
  quarantine list <job_id>  List quarantined rows of a job

General:
  version                   Show version information
  help                      Show this help message

Every action accepts --config PATH (default $QUARRY_CONFIG or ./config.yaml).
Flags go before positional arguments.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// action is one verb under a noun.
type action struct {
	usage string
	run   func(args []string) int
}

// runNoun dispatches args[0] to the matching action, printing usage for
// help tokens.
func runNoun(noun string, actions map[string]action, order []string, args []string) int {
	printHelp := func(w *os.File) {
		fmt.Fprintf(w, "Usage: quarry %s <action>\n", noun)
		fmt.Fprintf(w, "Actions: %s\n", strings.Join(order, ", "))
	}
	if len(args) < 1 {
		printHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHelp(os.Stdout)
		return 0
	}

	act, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Println("Usage: " + act.usage)
		return 0
	}
	return act.run(args[1:])
}

func runSystemNoun(args []string) int {
	return runNoun("system", map[string]action{
		"start":  {"quarry system start [--config PATH]", runStart},
		"doctor": {"quarry system doctor [--config PATH] [--json]", runSystemDoctor},
	}, []string{"start", "doctor"}, args)
}

func runJobNoun(args []string) int {
	return runNoun("job", map[string]action{
		"enqueue": {"quarry job enqueue [--config PATH] --plugin NAME --payload REF [--staged]", runJobEnqueue},
		"list":    {"quarry job list [--config PATH] [--status STATUS] [--plugin NAME] [--limit N] [--json]", runJobList},
		"show":    {"quarry job show [--config PATH] [--json] <job_id>", runJobShow},
		"requeue": {"quarry job requeue [--config PATH] <job_id>", runJobRequeue},
		"release": {"quarry job release [--config PATH] <plugin>", runJobRelease},
	}, []string{"enqueue", "list", "show", "requeue", "release"}, args)
}

func runPluginNoun(args []string) int {
	return runNoun("plugin", map[string]action{
		"sync":    {"quarry plugin sync [--config PATH] [--no-promote]", runPluginSync},
		"list":    {"quarry plugin list [--config PATH] [--json] <name>", runPluginList},
		"stage":   {"quarry plugin stage [--config PATH] <manifest_id>", runPluginStage},
		"promote": {"quarry plugin promote [--config PATH] <manifest_id>", runPluginPromote},
		"reject":  {"quarry plugin reject [--config PATH] --reason TEXT <manifest_id>", runPluginReject},
	}, []string{"sync", "list", "stage", "promote", "reject"}, args)
}

func runBreakerNoun(args []string) int {
	return runNoun("breaker", map[string]action{
		"list":   {"quarry breaker list [--config PATH] [--json]", runBreakerList},
		"resume": {"quarry breaker resume [--config PATH] <plugin>", runBreakerResume},
	}, []string{"list", "resume"}, args)
}

func runQuarantineNoun(args []string) int {
	return runNoun("quarantine", map[string]action{
		"list": {"quarry quarantine list [--config PATH] [--json] <job_id>", runQuarantineList},
	}, []string{"list"}, args)
}
