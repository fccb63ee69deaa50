package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/storage"
)

// app carries the state every subcommand shares once setup has run.
type app struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	store   *storage.Store
	log     *logrus.Logger
	out     io.Writer
}

// setup loads the config, configures logging, and opens the database.
func (a *app) setup(dataDir string) error {
	if dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
			return fmt.Errorf("set data directory: %w", err)
		}
	}

	cfg, cfgPath, resolvedDir, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	if err := cfg.ConfigureLogger(a.log); err != nil {
		return err
	}

	store, dbPath, err := storage.Open(resolvedDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	pruned, err := store.SetSecurityEventRetention(cfg.SecurityEventRetention())
	if err != nil {
		a.log.WithError(err).Warn("Security event pruning failed")
	} else if pruned > 0 {
		a.log.WithField("events", pruned).Debug("Pruned expired security events")
	}

	a.cfg = cfg
	a.cfgPath = cfgPath
	a.dataDir = resolvedDir
	a.store = store
	a.log.WithFields(logrus.Fields{
		"config":   cfgPath,
		"database": dbPath,
	}).Debug("Startup complete")
	return nil
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Database close failed")
	}
	a.store = nil
}

// runE closes shared resources once fn returns, whether or not it failed.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}

// NewRootCommand builds the peerdrop command tree writing user output to out.
func NewRootCommand(out io.Writer, logger *logrus.Logger) *cobra.Command {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	a := &app{log: logger, out: out}

	var dataDir string
	root := &cobra.Command{
		Use:           "peerdrop",
		Short:         "Encrypted peer-to-peer file transfer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(dataDir)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides "+config.DataDirEnv+")")

	root.AddCommand(
		newSendCommand(a),
		newReceiveCommand(a),
		newDiscoverCommand(a),
		newHistoryCommand(a),
	)
	return root
}

// Execute runs the command line until it finishes or the process is interrupted.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(os.Stdout, logrus.StandardLogger())
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
