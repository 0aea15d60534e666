// Command defencectl drives the hash engine and the license ledger from the
// command line. Every subcommand is one blocking call that prints JSON.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
)

// Exit codes
const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitInvalid = 3
)

// errNotValid marks a validation that completed with a non-valid result.
var errNotValid = errors.New("license is not valid")

type command struct {
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"generate":     {"generate obfuscated hashes", runGenerate},
	"challenge":    {"derive a challenge set from a payload", runChallenge},
	"traps":        {"generate a decoy trap burst", runTraps},
	"bench":        {"measure hash throughput", runBench},
	"issue":        {"issue one license", runIssue},
	"bulk":         {"issue numbered licenses", runBulk},
	"validate":     {"validate a license key and count one use", runValidate},
	"revoke":       {"revoke a license key", runRevoke},
	"info":         {"show a license without counting a use", runInfo},
	"list":         {"list licenses", runList},
	"stats":        {"summarise the ledger", runStats},
	"export":       {"export the ledger as csv or xlsx", runExport},
	"token":        {"mint a signed token for a license", runToken},
	"verify-token": {"verify a license token offline and against the ledger", runVerifyToken},
	"keygen":       {"create a signing key file", runKeygen},
	"version":      {"print version information", runVersion},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("defencectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file (defaults to defence.yaml lookup)")
	verbose := fs.Bool("v", false, "log at info level instead of warn")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(stderr)
		return exitUsage
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "defencectl: unknown command %q\n\n", name)
		usage(stderr)
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "defencectl: %v\n", err)
		return exitError
	}
	if cfg.Logging.Output != "file" {
		cfg.Logging.Output = "stderr"
	}
	if !*verbose {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Paths().EnsureDirectories(); err != nil {
		fmt.Fprintf(stderr, "defencectl: %v\n", err)
		return exitError
	}

	logger, logFile, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "defencectl: %v\n", err)
		return exitError
	}
	if logFile != nil {
		defer logFile.Close()
	}

	c := &cli{cfg: cfg, logger: infrastructure.WithComponent(logger, "cli"), out: stdout}
	defer c.close()

	err = cmd.run(ctx, c, fs.Args()[1:])
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errNotValid):
		return exitInvalid
	case errors.Is(err, flag.ErrHelp), errors.Is(err, errUsage):
		return exitUsage
	default:
		c.logger.Debug("command failed", slog.String("command", name), slog.String("error", err.Error()))
		fmt.Fprintf(stderr, "defencectl %s: %v\n", name, err)
		return exitError
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: defencectl [-config file] [-v] <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-13s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "environment variables prefixed %s_ override the config file, e.g. %s_LEDGER_DRIVER\n",
		config.EnvPrefix, config.EnvPrefix)
}
