package main

// ---------------------------------------------------------------------------
// banner.go: banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	text := `
    ┌─────────────────────────────────────────────┐
    │   F L O W G U A R D                         │
    │   request guard & threat mitigation core    │
    └─────────────────────────────────────────────┘
`
	return cyan(text)
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "flowguard v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

type commandHelp struct {
	name    string
	summary string
	usage   string
	flags   [][2]string
}

var commands = []commandHelp{
	{"up", "Start the guard service and REST API", "flowguard up [--config path] [--log-level level] [--dry-run]",
		[][2]string{{"--config <path>", "Config file path"}, {"--log-level <lvl>", "debug, info, warn, error"}, {"--dry-run", "Build every component, then exit"}}},
	{"init", "Generate a starter configuration file", "flowguard init [--output path] [--force]",
		[][2]string{{"--output <path>", "Where to write the config"}, {"--force", "Overwrite an existing file"}}},
	{"config", "Show, validate, or set configuration", "flowguard config [--validate] [--json] | flowguard config set <key> <value>",
		[][2]string{{"--config <path>", "Config file path"}, {"--validate", "Validate and exit"}, {"--json", "Print as JSON"}}},
	{"password", "Score a password", "flowguard password [--json] [password]  (reads stdin when omitted)",
		[][2]string{{"--json", "Print as JSON"}}},
	{"sanitize", "Sanitize text", "flowguard sanitize [--mode plain|rich|strip] [text]",
		[][2]string{{"--mode <mode>", "plain (default), rich or strip"}}},
	{"sqlcheck", "Check text against the SQL injection rules", "flowguard sqlcheck [text]", nil},
	{"hash", "Print the SHA-256 of text, or bcrypt it", "flowguard hash [--bcrypt | --verify hash] [text]",
		[][2]string{{"--config <path>", "Config file path (bcrypt cost and key material)"}, {"--bcrypt", "Produce a bcrypt credential hash"}, {"--verify <hash>", "Check text against a bcrypt hash"}}},
	{"encrypt", "Encrypt text with the configured secret", "flowguard encrypt [--config path] [text]",
		[][2]string{{"--config <path>", "Config file path"}}},
	{"decrypt", "Decrypt a blob produced by encrypt", "flowguard decrypt [--config path] [blob]",
		[][2]string{{"--config <path>", "Config file path"}}},
	{"version", "Print version and build info", "flowguard version", nil},
	{"help", "Show help for a command", "flowguard help <command>", nil},
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  flowguard <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	for _, c := range commands {
		fmt.Fprintf(w, "  %-14s  %s\n", bold(c.name), c.summary)
	}
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-24s  %s\n", "FLOWGUARD_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-24s  %s\n", "FLOWGUARD_API_KEY", "API key for authentication")
	fmt.Fprintf(w, "  %-24s  %s\n", "FLOWGUARD_CRYPTO_SECRET", "Key material for encrypt/decrypt")
	fmt.Fprintf(w, "  %-24s  %s\n", "FLOWGUARD_REDIS_ADDR", "Enable shared state in Redis")
	fmt.Fprintf(w, "\n  Variables are also read from a .env file in the working directory.\n")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Write a config and start"))
	fmt.Fprintf(w, "  flowguard init && flowguard up\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Score a password from stdin"))
	fmt.Fprintf(w, "  echo 'hunter2' | flowguard password\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("flowguard help <command>"))
}

func cmdHelp(name string) {
	for _, c := range commands {
		if c.name != name {
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: %s\n\n", bold(c.name), c.summary)
		fmt.Fprintf(os.Stdout, "%s\n  %s\n", bold("USAGE"), c.usage)
		if len(c.flags) > 0 {
			fmt.Fprintf(os.Stdout, "\n%s\n", bold("FLAGS"))
			for _, f := range c.flags {
				fmt.Fprintf(os.Stdout, "  %-20s  %s\n", f[0], f[1])
			}
		}
		return
	}
	fmt.Fprintf(os.Stderr, red("error: ")+"no help for unknown command %q\n", name)
	if s := suggest(name); s != "" {
		fmt.Fprintf(os.Stderr, "       Did you mean %s?\n", bold(s))
	}
	os.Exit(1)
}
