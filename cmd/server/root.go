package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/post-trade-engine/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "post-trade-engine",
	Short: "OTC derivative post-trade processing engine",
	Long: `post-trade-engine books OTC derivative trades and drives them through
confirmation, regulatory reporting, settlement, ledger and margin.

Settings come from an optional YAML file, a .env file and the environment
(PORT, DATABASE_URL, SQLITE_PATH, REDIS_URL, KAFKA_BROKERS, KAFKA_TOPIC,
OUTBOX_PATH, LOG_LEVEL).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		level, _ := config.ParseLevel(loaded.Log.Level)
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		cfg = loaded
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to YAML config file")
}
