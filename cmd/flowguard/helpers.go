package main

// ---------------------------------------------------------------------------
// helpers.go: TTY detection, color, error helpers, env-based config, input
// ---------------------------------------------------------------------------

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func cyan(s string) string   { return ansi("\033[36m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// envConfig returns the config path, preferring flag > FLOWGUARD_CONFIG > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != defaultConfigPath {
		return flagVal
	}
	if e := os.Getenv("FLOWGUARD_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

// inputText returns the positional arguments joined by spaces, or stdin
// (trailing newline removed) when there are none.
func inputText(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(bufio.NewReader(stdin))
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// ---------------------------------------------------------------------------
// Suggest: typo correction for unknown commands
// ---------------------------------------------------------------------------

func suggest(input string) string {
	input = strings.ToLower(input)
	if input == "" {
		return ""
	}
	for _, c := range commands {
		if strings.HasPrefix(c.name, input) || strings.HasPrefix(input, c.name) {
			return c.name
		}
	}
	for _, c := range commands {
		if len(c.name) == len(input) {
			diff := 0
			for i := range c.name {
				if c.name[i] != input[i] {
					diff++
				}
			}
			if diff <= 1 {
				return c.name
			}
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// parseValue converts a string to the appropriate YAML scalar type.
// ---------------------------------------------------------------------------

func parseValue(s string) interface{} {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := fmt.Sscanf(s, "%d", new(int)); n == 1 && err == nil && !strings.ContainsAny(s, ".smh") {
		var i int
		fmt.Sscanf(s, "%d", &i)
		return i
	}
	if n, err := fmt.Sscanf(s, "%f", new(float64)); n == 1 && err == nil && strings.Contains(s, ".") && !strings.ContainsAny(s, "smh") {
		var f float64
		fmt.Sscanf(s, "%f", &f)
		return f
	}
	return s
}

// setNestedValue sets a dotted key path inside a decoded YAML document.
func setNestedValue(m map[string]interface{}, path []string, value string) error {
	if len(path) == 0 {
		return fmt.Errorf("empty key path")
	}

	if len(path) == 1 {
		m[path[0]] = parseValue(value)
		return nil
	}

	next, ok := m[path[0]]
	if !ok {
		next = map[string]interface{}{}
		m[path[0]] = next
	}

	nextMap, ok := next.(map[string]interface{})
	if !ok {
		return fmt.Errorf("key %q is not a map", path[0])
	}

	return setNestedValue(nextMap, path[1:], value)
}
