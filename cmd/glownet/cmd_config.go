package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var configOut string

// configCmd prints or writes the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		logger.Warn("configuration is invalid", zap.Error(err))
	}

	if configOut != "" {
		if err := cfg.Save(configOut); err != nil {
			return err
		}
		logger.Info("configuration written", zap.String("path", configOut))
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
