package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ongoingai/agenttrace/internal/version"
)

const defaultConfigPath = "agenttrace.yaml"

var signalNotifyContext = signal.NotifyContext

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	return runWithOutput(args, os.Stdout, os.Stderr)
}

func runWithOutput(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.String())
		return 0
	case "config":
		return runConfig(args[1:], out, errOut)
	case "doctor":
		return runDoctor(args[1:], out, errOut)
	case "collector":
		return runCollector(args[1:], out, errOut)
	case "replay":
		return runReplay(args[1:], out, errOut)
	case "help", "--help", "-h":
		printUsage(out)
		return 0
	default:
		printUsage(errOut)
		return 2
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agenttrace version")
	fmt.Fprintln(out, "  agenttrace config validate [--config path/to/agenttrace.yaml]")
	fmt.Fprintln(out, "  agenttrace config show [--config path/to/agenttrace.yaml] [--format text|json]")
	fmt.Fprintln(out, "  agenttrace doctor [--config path/to/agenttrace.yaml] [--format text|json] [--timeout DURATION]")
	fmt.Fprintln(out, "  agenttrace collector [--config path/to/agenttrace.yaml] [--addr HOST:PORT] [--driver sqlite|postgres] [--path FILE] [--dsn DSN]")
	fmt.Fprintln(out, "  agenttrace replay [--config path/to/agenttrace.yaml] [--format text|json] [--limit N] [--concurrency N] [--max-attempts N] [--dry-run]")
}
