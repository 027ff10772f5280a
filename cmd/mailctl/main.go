package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"MailCadence/internal/app"
	"MailCadence/internal/config"
	"MailCadence/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: config, a logger and open stores.
type env struct {
	cfg    *config.Config
	log    *zap.Logger
	stores *app.Stores
	out    io.Writer
}

func (e *env) Close() {
	e.stores.Close()
	_ = e.log.Sync()
}

func openEnv(ctx context.Context, out io.Writer, migrate bool) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.IsDevelopment())
	if err != nil {
		return nil, err
	}
	stores, err := app.OpenStores(ctx, cfg, log, migrate)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, stores: stores, out: out}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mailctl",
		Short: "MailCadence operator tool",
		Long: `mailctl works against a MailCadence database directly.
It reads the same environment (DATABASE_URL, REDIS_ADDR, ...) as the server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newRateLimitCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRecoverCmd())

	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
