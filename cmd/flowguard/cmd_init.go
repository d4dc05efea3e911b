package main

// ---------------------------------------------------------------------------
// cmd_init.go: write a starter configuration file
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flowguard-project/flowguard/internal/core"
)

func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("output", defaultConfigPath, "Where to write the config")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if err := writeStarterConfig(*output, *force); err != nil {
		errorf("%v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote %s\n", green("✓"), *output)
	fmt.Fprintf(os.Stdout, "  Set %s before using encrypt/decrypt.\n", bold("FLOWGUARD_CRYPTO_SECRET"))
}

func writeStarterConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return core.SaveConfig(core.DefaultConfig(), path)
}
