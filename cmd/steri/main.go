package main

import (
	"fmt"
	"os"

	"github.com/rohankatakam/sterisafe/internal/config"
	"github.com/rohankatakam/sterisafe/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile      string
	verbose      bool
	outputFormat string
	logger       *logrus.Logger
	cfg          *config.Config
)

func main() {
	err := rootCmd.Execute()
	logging.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "steri",
	Short: "SteriSafe - BI failure risk and incident engine",
	Long: `SteriSafe tracks sterilization batches, manages biological indicator
failure incidents and scores each facility's BI failure risk.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config, using defaults: %v\n", err)
			cfg = config.Default()
		}

		logCfg, err := logging.FromSettings(cfg.Logging.Level, cfg.Logging.Dir, verbose)
		if err != nil {
			return err
		}
		l, err := logging.Initialize(logCfg)
		if err != nil {
			return err
		}
		logger = l.Logrus()

		outputFormat, err = resolveFormat(outputFormat, os.Stdout)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .sterisafe/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default: table on a terminal, json otherwise)")

	rootCmd.SetVersionTemplate(`SteriSafe {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(incidentCmd)
	rootCmd.AddCommand(encounterCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(riskCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(configureCmd)
}
