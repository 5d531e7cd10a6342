// Package main is the entry point for the conciergectl operator tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/power100/concierge/internal/agent"
	"github.com/power100/concierge/internal/concierge"
	"github.com/power100/concierge/internal/config"
	"github.com/power100/concierge/internal/eventctx"
	"github.com/power100/concierge/internal/manager"
	"github.com/power100/concierge/internal/store"
)

// Global flags.
var (
	contractorID int64
	verbose      bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conciergectl",
		Short: "Inspect and drive concierge sessions",
		Long: `conciergectl works directly against the configured session store
(DB_DRIVER, DB_PATH, DATABASE_URL). It creates sessions, replays triggers,
routes messages and records event registrations the same way the server does.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	root.PersistentFlags().Int64Var(&contractorID, "contractor", 0, "Contractor id the command acts for")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newCreateSessionCmd())
	root.AddCommand(newSessionsCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newRouteCmd())
	root.AddCommand(newEndSessionCmd())
	root.AddCommand(newRegisterEventCmd())
	root.AddCommand(newTableCmd())

	return root
}

// env is the service stack a command runs against.
type env struct {
	cfg    *config.Config
	repo   store.Repository
	mgr    *manager.Manager
	router *concierge.Router
}

func (e *env) Close() {
	e.mgr.Close()
	if err := e.repo.Close(); err != nil {
		slog.Warn("Failed to close repository", "error", err)
	}
}

func openEnv(requireContractor bool) (*env, error) {
	if requireContractor && contractorID <= 0 {
		return nil, fmt.Errorf("--contractor is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	repo, err := store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		DatabaseURL: cfg.Store.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	policy := cfg.Policy()
	mgr := manager.New(repo,
		manager.WithPolicy(policy),
		manager.WithOptimisticLocking(cfg.Machine.OptimisticLocking))
	provider := eventctx.NewRepositoryProvider(repo, policy, cfg.Routing.ProviderStatuses)
	router := concierge.NewRouter(mgr, repo, provider, agent.NewRegistry(agent.DefaultScripted()...))

	return &env{cfg: cfg, repo: repo, mgr: mgr, router: router}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
