package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/ongoingai/agenttrace/internal/config"
)

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	case "show":
		return runConfigShow(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  agenttrace config validate [--config path/to/agenttrace.yaml]")
	fmt.Fprintln(out, "  agenttrace config show [--config path/to/agenttrace.yaml] [--format text|json]")
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

// runConfigShow prints the effective configuration after file and
// environment resolution, with secrets masked. It does not validate.
func runConfigShow(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config show", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", "text", "Output format: text (yaml) or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config show does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("config show", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		reportConfigError(errOut, configStageLoad, err)
		return 1
	}
	if err := writeConfig(out, normalizedFormat, cfg.Redacted()); err != nil {
		fmt.Fprintf(errOut, "failed to write config: %v\n", err)
		return 1
	}
	return 0
}

func writeConfig(out io.Writer, format string, cfg config.Config) error {
	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if format == "text" {
		_, err := out.Write(encoded)
		return err
	}

	// Round trip through yaml so json keys match the config file keys.
	var document map[string]any
	if err := yaml.Unmarshal(encoded, &document); err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(document)
}
