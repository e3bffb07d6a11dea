// Package main provides the glownet CLI: inspect and run SUNet models built
// on the Born ML framework.
package main

import (
	"fmt"
	"os"

	"github.com/glownet/glownet/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose    bool
	configPath string
	device     string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "glownet",
	Short: "GLOWNet - SUNet image restoration on Born",
	Long: `glownet builds a SUNet model (U-shaped Swin Transformer with an optional
global-context branch) from a YAML configuration and runs it with the Born ML
framework.

Settings come from --config (defaults when the file is absent), then
GLOWNET_DEVICE / GLOWNET_LOG_LEVEL, then command-line flags.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("device") {
			cfg.Runtime.Device = device
		}

		// Commands that need a valid logging section reject it in Validate.
		zc, logErr := cfg.Logging.ZapConfig(verbose)
		if logErr != nil {
			zc, _ = config.DefaultConfig().Logging.ZapConfig(verbose)
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if logErr != nil {
			logger.Warn("logging configuration is invalid, using defaults", zap.Error(logErr))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "glownet.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&device, "device", "cpu", "Compute device (cpu, webgpu)")

	configCmd.Flags().StringVarP(&configOut, "output", "o", "", "Write the configuration to a file instead of stdout")

	runCmd.Flags().StringSliceVarP(&runInputs, "input", "i", nil, "Input PNG, repeatable (default: random tensor)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Write the first output sample as PNG")
	runCmd.Flags().StringVar(&runOutputDir, "output-dir", "", "Write every output sample as PNG into this directory")
	runCmd.Flags().IntVarP(&runBatch, "batch", "b", 0, "Batch size for random input (default: runtime.batch)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
