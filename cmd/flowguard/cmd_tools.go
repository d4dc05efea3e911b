package main

// ---------------------------------------------------------------------------
// cmd_tools.go: offline access to the guard components
// ---------------------------------------------------------------------------

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/flowguard-project/flowguard/internal/core"
	"github.com/flowguard-project/flowguard/internal/modules/cryptobox"
	"github.com/flowguard-project/flowguard/internal/modules/password"
	"github.com/flowguard-project/flowguard/internal/modules/sanitize"
	"github.com/flowguard-project/flowguard/internal/modules/sqlguard"
)

func cmdPassword(args []string) {
	fs := flag.NewFlagSet("password", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	pw, err := inputText(fs.Args(), os.Stdin)
	if err != nil {
		errorf("%v", err)
	}
	res := password.Evaluate(pw)

	if *jsonOut {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(os.Stdout, string(data))
	} else {
		mark := green("✓ valid")
		if !res.Valid {
			mark = red("✗ invalid")
		}
		fmt.Fprintf(os.Stdout, "%s  score %d/100\n", mark, res.Score)
		for _, f := range res.Feedback {
			fmt.Fprintf(os.Stdout, "  - %s\n", f)
		}
	}
	if !res.Valid {
		os.Exit(1)
	}
}

func cmdSanitize(args []string) {
	fs := flag.NewFlagSet("sanitize", flag.ExitOnError)
	mode := fs.String("mode", "plain", "plain, rich or strip")
	fs.Parse(args)

	text, err := inputText(fs.Args(), os.Stdin)
	if err != nil {
		errorf("%v", err)
	}
	out, err := sanitizeMode(*mode, text)
	if err != nil {
		errorf("%v", err)
	}
	fmt.Fprintln(os.Stdout, out)
	if rules := sanitize.Matched(text); len(rules) > 0 {
		fmt.Fprintf(os.Stderr, "%s removed: %v\n", dim("▸"), rules)
	}
}

func sanitizeMode(mode, text string) (string, error) {
	switch mode {
	case "", "plain":
		return sanitize.Sanitize(text), nil
	case "rich":
		return sanitize.NewRichText().Sanitize(text), nil
	case "strip":
		return sanitize.StripTags(text), nil
	default:
		return "", fmt.Errorf("unknown mode %q (plain, rich, strip)", mode)
	}
}

func cmdSQLCheck(args []string) {
	text, err := inputText(args, os.Stdin)
	if err != nil {
		errorf("%v", err)
	}
	if rule := sqlguard.New(nil, nil).Match(text); rule != "" {
		fmt.Fprintf(os.Stdout, "%s unsafe: matched %s\n", red("✗"), bold(rule))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "%s safe\n", green("✓"))
}

func cmdHash(args []string) {
	fs := flag.NewFlagSet("hash", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	useBcrypt := fs.Bool("bcrypt", false, "Produce a bcrypt credential hash")
	verify := fs.String("verify", "", "Check text against a bcrypt hash")
	fs.Parse(args)

	text, err := inputText(fs.Args(), os.Stdin)
	if err != nil {
		errorf("%v", err)
	}

	if !*useBcrypt && *verify == "" {
		fmt.Fprintln(os.Stdout, cryptobox.Hash(text))
		return
	}

	box := loadBox(*configPath)
	ctx := context.Background()
	if *verify != "" {
		ok, err := box.VerifyCredential(ctx, *verify, text)
		if err != nil {
			errorf("%v", err)
		}
		if !ok {
			fmt.Fprintf(os.Stdout, "%s no match\n", red("✗"))
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "%s match\n", green("✓"))
		return
	}
	hash, err := box.HashCredential(ctx, text)
	if err != nil {
		errorf("%v", err)
	}
	fmt.Fprintln(os.Stdout, hash)
}

func cmdEncrypt(args []string) {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	text, err := inputText(fs.Args(), os.Stdin)
	if err != nil {
		errorf("%v", err)
	}
	blob, err := loadBox(*configPath).Encrypt(context.Background(), []byte(text))
	if err != nil {
		errorf("%v", err)
	}
	fmt.Fprintln(os.Stdout, blob)
}

func cmdDecrypt(args []string) {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	blob, err := inputText(fs.Args(), os.Stdin)
	if err != nil {
		errorf("%v", err)
	}
	plain, err := loadBox(*configPath).Decrypt(context.Background(), blob)
	if err != nil {
		errorf("%v", err)
	}
	fmt.Fprintln(os.Stdout, string(plain))
}

func loadBox(configPath string) *cryptobox.Box {
	cfg, err := core.LoadConfig(envConfig(configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}
	box, err := cryptobox.New(cfg.Crypto)
	if errors.Is(err, cryptobox.ErrNoKeyMaterial) {
		errorf("no key material: set crypto.secret or FLOWGUARD_CRYPTO_SECRET")
	}
	if err != nil {
		errorf("%v", err)
	}
	return box
}
