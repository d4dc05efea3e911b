package main

// ---------------------------------------------------------------------------
// main.go: command dispatcher for the flowguard CLI
//
// Command implementations live in cmd_*.go. Shared helpers are in
// helpers.go and banner.go.
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var (
	version   = "0.4.0"
	commit    = "dev"
	buildDate = "unknown"
)

const defaultConfigPath = "configs/flowguard.yaml"

func main() {
	// A missing .env is normal; the environment may already be set.
	_ = godotenv.Load()

	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--version", "-V":
			printVersion(os.Stdout)
			os.Exit(0)
		case "--help", "-h", "help":
			if len(os.Args) >= 3 {
				cmdHelp(os.Args[2])
			} else {
				printUsage(os.Stdout)
			}
			os.Exit(0)
		}
	}

	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	subcmd := os.Args[1]
	args := os.Args[2:]

	for _, a := range args {
		if a == "-h" || a == "--help" {
			cmdHelp(subcmd)
			os.Exit(0)
		}
	}

	switch subcmd {
	case "up":
		cmdUp(args)
	case "init":
		cmdInit(args)
	case "config":
		cmdConfig(args)
	case "password":
		cmdPassword(args)
	case "sanitize":
		cmdSanitize(args)
	case "sqlcheck":
		cmdSQLCheck(args)
	case "hash":
		cmdHash(args)
	case "encrypt":
		cmdEncrypt(args)
	case "decrypt":
		cmdDecrypt(args)
	case "version":
		printVersion(os.Stdout)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, red("error: ")+"unknown command %q\n\n", subcmd)
		if s := suggest(subcmd); s != "" {
			fmt.Fprintf(os.Stderr, "       Did you mean %s?\n\n", bold(s))
		}
		printUsage(os.Stderr)
		os.Exit(1)
	}
}
