package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shineum/graph-mail-relay/internal/config"
)

// version is set at build time with -ldflags.
var version = "dev"

// app carries what every subcommand needs once the root has run.
type app struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "mail-relay",
		Short: "Relay application mail through Microsoft Graph with OAuth2",
		Long: `mail-relay accepts mail over SMTP and delivers it through the Microsoft
Graph sendMail API using OAuth2 tokens. With MAIL_OAUTH2_ENABLED unset it
falls back to the configured legacy transport (smtp, ses or stdout).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newServeCmd(a), newTokenSetupCmd(a), newSendTestCmd(a))
	return root
}

// load reads the dotenv file, resolves configuration and installs the
// JSON logger. Configuration errors are printed before exiting since no
// logger exists yet.
func (a *app) load(stderr io.Writer) error {
	if a.envFile != "" {
		if err := godotenv.Load(a.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(stderr, "failed to load %s: %v\n", a.envFile, err)
			return err
		}
	}

	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadFromFile(a.configPath)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return err
	}

	a.logger = newLogger(os.Stdout, a.cfg.Logging.Level)
	slog.SetDefault(a.logger)
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
