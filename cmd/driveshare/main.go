package main

import (
	"context"
	"fmt"
	"os"

	"driveshare/pkg/config"
	"driveshare/pkg/node"
	"driveshare/pkg/shutdown"
	"driveshare/pkg/types"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driveshare",
		Short: "Seed a directory or replicate a drive over a peer-to-peer network",
		Long: `Seed publishes a local directory as a versioned drive that peers can
replicate. Join replicates a drive by its key. Either way the drive is served
over HTTP with cache validation headers.`,
		Example: `  driveshare --seed ./site
  driveshare --join <64 hex key> --full --port 9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	config.BindFlags(cmd.Flags())

	cmd.AddCommand(statusCmd(), versionCmd())
	return cmd
}

// loadConfig layers defaults, the config file, the environment and explicit
// flags, in increasing precedence.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, flags *pflag.FlagSet) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	n := node.New(cfg, node.NewNetworkBackend(logger), logger, node.Options{})
	coord := shutdown.New(func() {
		if err := n.Destroy(); err != nil {
			logger.Error("Shutdown finished with errors", zap.Error(err))
		}
	}, nil, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	coord.Listen(ctx)

	if err := n.Start(ctx); err != nil {
		if coord.State() != shutdown.StateIdle {
			<-coord.Done()
			return nil
		}
		return err
	}

	st := n.Status()
	if cfg.Mode() == types.ModeSeed {
		fmt.Printf("Seeding %s\n", cfg.Seed)
	} else {
		fmt.Printf("Replicating drive (%d records, %d peers)\n", st.Length, st.Peers)
	}
	fmt.Printf("Key: %s\n", st.Key)
	fmt.Printf("Serving at %s\n", n.URL())

	<-n.Done()
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driveshare v%s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		logging.SetAllLoggers(logging.LevelInfo)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		logging.SetAllLoggers(logging.LevelError)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
