package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/iolink/internal/config"
	"github.com/spf13/pflag"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case "daemon", "iolinkd":
		return "cmd/iolinkd/config.toml", nil
	case "client", "iolinkctl":
		return "cmd/iolinkctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func validate(kind, path string) error {
	switch kind {
	case "daemon", "iolinkd":
		_, err := config.LoadDaemon(path)
		return err
	case "client", "iolinkctl":
		_, err := config.LoadClient(path)
		return err
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	kind := fs.StringP("kind", "k", "daemon", "config kind: daemon|client")
	output := fs.StringP("output", "o", "", "output path for config template")
	check := fs.Bool("validate", false, "validate an existing config file")
	input := fs.StringP("input", "i", "", "config path for validation (defaults to per-kind cmd path)")
	force := fs.Bool("force", false, "overwrite existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *check {
		path := *input
		if path == "" {
			p, err := defaultPath(*kind)
			if err != nil {
				return err
			}
			path = p
		}
		if err := validate(*kind, path); err != nil {
			return err
		}
		fmt.Printf("validated %s config at %s\n", *kind, path)
		return nil
	}

	target := *output
	if target == "" {
		p, err := defaultPath(*kind)
		if err != nil {
			return err
		}
		target = p
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		return err
	}
	fmt.Printf("wrote %s config template to %s\n", *kind, target)
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}
