// Command reconcile operates the consistency and recovery subsystem:
// one-shot or scheduled consistency checks, the state synchronization
// loop, and the recovery manager.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentnet/reconcile/config"
	"github.com/agentnet/reconcile/logging"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

const (
	exitOK          = 0
	exitConnectFail = 1
	exitRepairFail  = 2
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:           "reconcile",
		Short:         "Consistency and recovery tooling for the agent network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "reconcile.toml", "path to the TOML configuration file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	root.AddCommand(checkCmd(), syncCmd(), recoverCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if ee, ok := err.(exitError); ok {
			os.Exit(ee.code)
		}
		os.Exit(exitRepairFail)
	}
}

// exitError carries a process exit code through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func connectFailure(err error) error {
	return exitError{code: exitConnectFail, err: err}
}

// deps is everything a subcommand needs after connecting.
type deps struct {
	cfg   *config.Config
	log   *logging.Logger
	store *store.Mongo
	queue *queue.AMQP
	coord *txn.Coordinator
}

func (d *deps) close(ctx context.Context) {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.log.Warn("queue close failed", map[string]interface{}{"error": err.Error()})
		}
	}
	if d.store != nil {
		if err := d.store.Close(ctx); err != nil {
			d.log.Warn("store close failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// connect loads configuration and dials the store and broker. needQueue
// lets the check command skip the broker, which it never touches.
func connect(ctx context.Context, needQueue bool) (*deps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log := logging.New()
	if verbose {
		log.SetLevel(logging.LevelDebug)
	}

	st, err := store.ConnectMongo(ctx, cfg.StoreConfig(), log)
	if err != nil {
		return nil, connectFailure(fmt.Errorf("store connect: %w", err))
	}
	// Index creation is idempotent; running it on every invocation keeps
	// a fresh database usable without a separate init step.
	if err := st.EnsureIndexes(ctx); err != nil {
		log.Warn("index bootstrap failed", map[string]interface{}{"error": err.Error()})
	}

	d := &deps{
		cfg:   cfg,
		log:   log,
		store: st,
		coord: txn.New(st, cfg.TxnConfig(), log),
	}

	if needQueue {
		q, err := queue.ConnectAMQP(cfg.QueueConfig(), log)
		if err != nil {
			d.close(ctx)
			return nil, connectFailure(fmt.Errorf("queue connect: %w", err))
		}
		d.queue = q
	}
	return d, nil
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
