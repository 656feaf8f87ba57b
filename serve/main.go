// Command wandletd is the wandlet daemon. It serves the text completion,
// image description, content feedback and related content endpoints the
// editor client posts to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/generate"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	settingsPath string
	listenAddr   string
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "wandletd",
	Short: "AI writing assistant daemon",
	Long: `wandletd serves the endpoints used by the wandlet editor client:

  POST /text-completion/     run a prompt on a text field
  POST /describe-image/      describe an image by id
  POST /content-feedback/    review page content
  POST /similar-content/     pages similar to the current one
  POST /suggested-content/   pages related to the content
  GET  /config               page configuration element
  GET  /healthz              health check

Settings are read from settings.toml in the config directory and reloaded
when the file changes.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(verbose)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Print the prompt catalog as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := wandlet.LoadSettings(settingsPath)
		if err != nil {
			return err
		}
		c, err := generate.LoadCatalog(wandlet.PromptsPath(s))
		if err != nil {
			return err
		}
		return c.Encode(cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "wandletd", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", wandlet.SettingsPath(), "settings file")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log every request and response")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from settings)")

	rootCmd.AddCommand(promptsCmd, versionCmd, indexCmd)
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func serve(ctx context.Context) error {
	manager, err := wandlet.NewSettingsManager(settingsPath)
	if err != nil {
		return err
	}
	settings := manager.Get()
	for _, w := range wandlet.ValidateSettings(settings) {
		slog.Warn("settings", "warning", w)
	}

	srv, err := NewServer(settings)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	manager.OnChange(srv.reloadEngine)
	manager.Watch()

	addr := listenAddr
	if addr == "" {
		addr = wandlet.ResolveListen(settings)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		srv.Shutdown(context.Background())
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	slog.Info("ready", "addr", listener.Addr().String(), "backend", settings.Backend.Type)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("wandletd", "error", err)
		os.Exit(1)
	}
}
