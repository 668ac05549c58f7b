package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"m-sync-go/internal/client/app"
	"m-sync-go/internal/platform/config"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/protocol"
)

const (
	clientLogFile  = "msync-client.log"
	previewRunes   = 60
	defaultHistory = 10
)

type commonFlags struct {
	configPath string
	verbose    bool
}

func newFlagSet(name, synopsis string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := &commonFlags{}
	fs.StringVar(&common.configPath, "config", "", "Path to the configuration file (default: $MSYNC_CONFIG or .config.yaml)")
	fs.BoolVar(&common.verbose, "verbose", false, "Log at debug level")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: msync-client %s\n\n%s\n\nOptions:\n", name, synopsis)
		fs.PrintDefaults()
	}
	return fs, common
}

// parseFlags returns the exit code to use when parsing ends the command.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

// openApp loads configuration and builds the client. The returned cleanup
// closes the logger.
func openApp(common *commonFlags, stdout, stderr io.Writer) (*app.App, func(), error) {
	loader := config.NewLoader()
	if common.configPath != "" {
		loader = loader.WithPath(common.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Log.Level
	if common.verbose {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{
		Level:    level,
		Dir:      cfg.Log.Dir,
		Filename: clientLogFile,
		Console:  stderr,
	})
	if err != nil {
		return nil, nil, err
	}

	a, err := app.New(app.Options{Config: cfg, Logger: logger, Prompt: stdout})
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return a, func() { logger.Close() }, nil
}

func runClient(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("run", "Stay connected to the broker and apply incoming messages.", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, cleanup, err := openApp(common, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runLogin(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("login", "Sign in through the browser and store the new credential.", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, cleanup, err := openApp(common, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	info, err := a.Login(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Logged in as %s (credential %s", info.Username, info.ID)
	if info.ExpiresAt != nil {
		fmt.Fprintf(stdout, ", expires %s", info.ExpiresAt.Local().Format(time.RFC1123))
	}
	fmt.Fprintln(stdout, ")")
	return 0
}

func runLogout(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("logout", "Delete the stored credential.", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, cleanup, err := openApp(common, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()
	defer a.Close()

	if err := a.Logout(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Logged out")
	return 0
}

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("publish <TEXT|URL|CODE> <content>", "Send a message to every connected device of your account.", stderr)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "Usage: msync-client publish <TEXT|URL|CODE> <content>")
		return 1
	}
	typ, err := protocol.ParseMessageType(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	content := strings.Join(fs.Args()[1:], " ")

	a, cleanup, err := openApp(common, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()
	defer a.Close()

	msg, delivered, err := a.Publish(context.Background(), typ, content)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Published %s message %s to %d device(s)\n", msg.Type, msg.ID, delivered)
	return 0
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("history [-n N]", "Show the most recent messages, newest first.", stderr)
	limit := fs.Int("n", defaultHistory, "Number of messages to show")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	a, cleanup, err := openApp(common, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer cleanup()
	defer a.Close()

	messages, err := a.History(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(messages) == 0 {
		fmt.Fprintln(stdout, "No messages.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSENT\tCONTENT")
	for _, m := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Type, m.CreatedAt.Local().Format("2006-01-02 15:04:05"), preview(m.Content))
	}
	w.Flush()
	return 0
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes-3]) + "..."
}
