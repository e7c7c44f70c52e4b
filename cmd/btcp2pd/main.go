package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sourcenet/btcp2p/internal/chainstore"
	"github.com/sourcenet/btcp2p/internal/config"
	"github.com/sourcenet/btcp2p/internal/node"
	dbm "github.com/tendermint/tm-db"
)

const version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "btcp2pd",
	Short: "Bitcoin-protocol peer-to-peer networking daemon",
	Long: `btcp2pd establishes, maintains, and schedules work across a fleet of
outbound connections speaking the Bitcoin wire protocol, framing and
dispatching messages and driving handshake and liveness state machines
against a pluggable chain store.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults built in if omitted)")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the daemon version",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.Println(version)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the networking engine until KILL or interrupt",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		log := newLogger(cfg.LogLevel)

		db, err := openChainDB(cfg)
		if err != nil {
			return err
		}
		store := chainstore.NewKVStore(db)

		n, err := node.New(cfg, store, log.With().Str("component", "node").Logger())
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		log.Info().Str("network", cfg.Network).Int("operation_port", cfg.OperationPort).Msg("starting btcp2pd")
		return n.Run(ctx)
	},
}

// openChainDB backs the chain store with goleveldb under dataDir when one
// is configured, and an in-memory map otherwise.
func openChainDB(cfg config.Config) (dbm.DB, error) {
	if cfg.DataDir == "" {
		return dbm.NewMemDB(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return dbm.NewGoLevelDB("chainstate", cfg.DataDir)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
