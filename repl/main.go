// Command wandlet-repl drives the suggestion controllers against a running
// wandletd from the terminal. A field or a rich-text document stands in for
// the page being edited; every action is logged as TOML on stdout.
//
// Usage:
//
//	./wandlet-repl                      # interactive, TOML on screen
//	./wandlet-repl > log.toml           # prompt on screen, TOML to file
//	./wandlet-repl --mode editor --index PageIndex
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/client"
)

var (
	daemonURL string
	mode      string
	indexName string
	pagePK    string
	language  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:           "wandlet-repl",
	Short:         "Interactive client for wandletd",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&daemonURL, "daemon", "http://127.0.0.1:8089", "base URL of wandletd")
	rootCmd.Flags().StringVar(&mode, "mode", modeField, `initial target, "field" or "editor"`)
	rootCmd.Flags().StringVar(&indexName, "index", "PageIndex", "vector index for page suggestions")
	rootCmd.Flags().StringVar(&pagePK, "page", "", "primary key of the page being edited")
	rootCmd.Flags().StringVar(&language, "language", "en", "editor language sent with feedback requests")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log requests to stderr")
}

// fetchConfiguration reads the configuration element the daemon serves.
func fetchConfiguration(ctx context.Context, hc *http.Client, base string) (*wandlet.Configuration, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/config", nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch configuration: %s", resp.Status)
	}
	return wandlet.LoadConfiguration(resp.Body)
}

// connect builds a client bound to one session of the daemon.
func connect(ctx context.Context, base string) (*client.Client, error) {
	hc := &http.Client{}
	cfg, err := fetchConfiguration(ctx, hc, base)
	if err != nil {
		return nil, err
	}
	return client.New(cfg,
		client.WithBaseURL(base),
		client.WithHTTPClient(hc),
		client.WithHeader(wandlet.SessionHeader, uuid.NewString()),
	)
}

func run(ctx context.Context) error {
	c, err := connect(ctx, daemonURL)
	if err != nil {
		return err
	}

	t, err := OpenTerminal()
	if err != nil {
		return err
	}
	defer t.Close()
	tty := &crlfWriter{w: t.Writer()}

	session, err := NewSession(c, SessionOptions{
		VectorIndex:   indexName,
		CurrentPagePK: pagePK,
		Language:      language,
		Watch:         t.WatchCancel,
	}, termWriter(os.Stdout), tty)
	if err != nil {
		return err
	}
	if err := session.Execute(ctx, ":mode "+mode); err != nil {
		return err
	}

	fmt.Fprintf(tty, "\033[2J\033[H")
	fmt.Fprintf(tty, "wandlet repl (%s)\n", daemonURL)
	fmt.Fprint(tty, session.Help())
	fmt.Fprintln(tty)

	for {
		initial := ""
		if session.Mode() == modeField {
			initial = session.Text()
		}
		line, err := t.ReadLine(session.Mode()+"> ", initial)
		if errors.Is(err, io.EOF) || errors.Is(err, ErrInterrupt) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		err = session.Execute(ctx, line)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(tty, "error: %v\n", err)
		}
		fmt.Fprintln(tty)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
