// Command sommelier serves the code review and PR narration API.
//
// It reads configuration from environment variables (or config.yaml) and
// starts the HTTP server on the configured port.
//
// Quick-start (in-memory rate limiting, no Redis required):
//
//	OPENAI_API_KEY=sk-... ./sommelier serve
//
// See .env.example for all available configuration variables.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nulpointcorp/sommelier/internal/app"
	"github.com/nulpointcorp/sommelier/internal/config"
	"github.com/nulpointcorp/sommelier/internal/review"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "sommelier",
	Short:         "sommelier - code roasts and PR narration backed by an LLM",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (default)",
	RunE:  runServe,
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "Validate and print the reviewer persona table",
	RunE:  runPersonas,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "sommelier", version)
	},
}

var personasFile string

func init() {
	personasCmd.Flags().StringVarP(&personasFile, "file", "f", "", "Personas YAML file (defaults to PERSONAS_FILE)")
	rootCmd.AddCommand(serveCmd, personasCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sommelier:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Build the structured logger. All subsystems share this instance.
	logger := buildLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func runPersonas(cmd *cobra.Command, _ []string) error {
	path := personasFile
	if path == "" {
		path = os.Getenv("PERSONAS_FILE")
	}

	profiles, err := review.LoadProfiles(path)
	if err != nil {
		return err
	}
	return printPersonas(cmd.OutOrStdout(), profiles)
}

// printPersonas writes one row per persona with the first line of its
// instruction.
func printPersonas(w io.Writer, profiles *review.Profiles) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSONA\tDEFAULT\tINSTRUCTION")
	for _, p := range review.Personas() {
		def := ""
		if p == review.DefaultPersona {
			def = "*"
		}
		first, _, _ := strings.Cut(profiles.Instruction(p), "\n")
		fmt.Fprintf(tw, "%s\t%s\t%s\n", p, def, truncate(first, 72))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(w io.Writer, level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug, // include file:line only in debug mode
	}))
}
