package main

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "surveyor"
	version = "v0.1.0"
)

// Exit codes. Anything not tagged otherwise is a configuration problem.
const (
	exitConfig     = 1 // invalid configuration or flags
	exitDependency = 2 // Redis or Postgres unreachable at startup
	exitStorage    = 3 // unrecoverable persistence failure past the retry budget
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

func main() {
	// A local .env supplies REDIS_URL / DATABASE_URL / LOG_LEVEL during
	// development; absence is not an error.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-quality surveillance for crypto venues",
		Version: version,
		Long: `surveyor streams order books and tickers from exchange venues, derives
liquidity metrics with rolling z-scores, raises alerts on anomalies and
projects everything into Redis (current state) and Postgres (history).

The write planes can run co-located (run) or one per process (ingest,
metrics, detect); split processes share nothing but the two stores.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("config", "config", "Directory holding the four YAML documents")
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (trace|debug|info|warn|error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newMetricsCmd())
	rootCmd.AddCommand(newDetectCmd())
	rootCmd.AddCommand(newHealthCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		code := exitConfig
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("unknown log level, keeping info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
