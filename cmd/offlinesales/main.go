package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	_ "time/tzdata"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wesm/offlinesales/internal/config"
	"github.com/wesm/offlinesales/internal/db"
	"github.com/wesm/offlinesales/internal/queue"
	"github.com/wesm/offlinesales/internal/remote"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

// App carries what every subcommand needs.
type App struct {
	cfg   config.Config
	db    *db.DB
	queue *queue.Queue
	log   *zap.Logger
	in    *bufio.Reader
	out   io.Writer
}

type command struct {
	run     func(ctx context.Context, a *App, args []string) error
	summary string
	// interactive commands cannot run inside the shell.
	interactive bool
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"order":    {run: runOrder, summary: "Queue a sales order"},
		"writeoff": {run: runWriteoff, summary: "Queue a stock write-off (merma)"},
		"list":     {run: runList, summary: "List queued operations"},
		"counts":   {run: runCounts, summary: "Show operation counts by status"},
		"stock":    {run: runStock, summary: "Show baseline, reserved, and available stock"},
		"sync":     {run: runSync, summary: "Push pending operations to the backend"},
		"retry":    {run: runRetry, summary: "Move failed operations back to pending"},
		"cancel":   {run: runCancel, summary: "Cancel pending operations by id"},
		"discard":  {run: runDiscard, summary: "Delete failed operations"},
		"clear":    {run: runClear, summary: "Delete every pending operation"},
		"cleanup":  {run: runCleanup, summary: "Delete old completed operations"},
		"remote":   {run: runRemote, summary: "Show, check, or set the backend"},
		"run":      {run: runDaemon, summary: "Run the background sync daemon", interactive: true},
		"shell":    {run: runShell, summary: "Interactive command shell", interactive: true},
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	verbose := false
	if len(args) > 0 && (args[0] == "-verbose" || args[0] == "--verbose") {
		verbose = true
		args = args[1:]
	}
	if len(args) == 0 {
		printUsage(stdout)
		return 0
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "offlinesales %s (commit %s, built %s)\n",
			version, commit, buildDate)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 2
	}

	logger := newLogger(verbose, stderr)
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.LoadMinimal()
	if err != nil {
		fmt.Fprintln(stderr, "error: loading config:", err)
		return 1
	}
	app, err := openApp(cfg, logger, stdin, stdout)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	if err := cmd.run(ctx, app, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `offlinesales %s - offline order and write-off queue

Queues sales orders and stock write-offs while the backend is
unreachable, reserves stock against pending orders, and pushes
everything once connectivity returns.

Usage:
  offlinesales [-verbose] <command> [flags]

Commands:
`, version)

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}

	fmt.Fprint(w, `  version    Show version information
  help       Show this help

Environment variables:
  OFFLINESALES_DATA_DIR       Data directory (queue database, config)
  OFFLINESALES_REMOTE_URL     Backend base URL
  OFFLINESALES_REMOTE_TOKEN   Backend bearer token
  OFFLINESALES_STOCK_FILE     Stock baseline JSON file
  OFFLINESALES_LISTEN_ADDR    Local API and metrics address for 'run'

Data is stored in ~/.offlinesales/ by default.
`)
}

func newLogger(verbose bool, w io.Writer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zap.WarnLevel
	if verbose {
		encCfg = zap.NewDevelopmentEncoderConfig()
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		level,
	)
	return zap.New(core)
}

func openApp(
	cfg config.Config, logger *zap.Logger, in io.Reader, out io.Writer,
) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &App{
		cfg:   cfg,
		db:    database,
		queue: queue.New(database, queue.WithLogger(logger)),
		log:   logger,
		in:    bufio.NewReader(in),
		out:   out,
	}, nil
}

// Close releases the database.
func (a *App) Close() error {
	return a.db.Close()
}

func (a *App) remote() (*remote.Client, error) {
	if a.cfg.RemoteURL == "" {
		return nil, errors.New(
			"no backend configured: run 'offlinesales remote <url>'" +
				" or set OFFLINESALES_REMOTE_URL",
		)
	}
	return remote.New(a.cfg.RemoteURL,
		remote.WithToken(a.cfg.RemoteToken),
		remote.WithDeviceID(a.cfg.DeviceID),
	)
}

// readLine reads one line from r without the trailing newline.
// It returns io.EOF only when nothing was read.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
