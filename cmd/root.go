package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// skipDB marks commands that never touch the identity store.
const skipDB = "facegate/skip-db"

var (
	// DB is the global identity store shared by subcommands
	DB store.IdentityStore
	// Cfg is the resolved configuration (defaults, file, environment, flags)
	Cfg config.Config

	cfgPath  string
	dbURL    string
	logLevel string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "Camera capture and live face recognition gate",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine, the environment may already be populated
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read .env: %w", err)
		}

		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		if cfgPath == "" {
			cfgPath = os.Getenv("FACEGATE_CONFIG")
		}
		var err error
		Cfg, err = config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}

		if cmd.Annotations[skipDB] != "" {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = openStore(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The main context might be cancelled already (Ctrl+C) and the pool still needs closing.
			DB.Close(context.Background())
		}
	},
}

// openStore returns the in-process store for "memory" and a Postgres pool otherwise.
func openStore(ctx context.Context, url string) (store.IdentityStore, error) {
	if url == "memory" {
		fmt.Fprintln(os.Stderr, "🧪 Using an in-memory identity store, nothing will be persisted")
		return store.NewMemory(), nil
	}
	s, err := store.New(ctx, url)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to a YAML config file (default: $FACEGATE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string, or \"memory\" (default: postgres://localhost:5432/facegate)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}
