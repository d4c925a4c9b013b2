// Package configutil resolves settings that can arrive either as a CLI
// flag or a viper key (config file or environment). An explicitly set flag
// wins over everything else.
package configutil

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func FlagOrViperString(cmd *cobra.Command, flagName, viperKey string) string {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetString(flagName)
		if err == nil {
			return value
		}
	}
	return viper.GetString(viperKey)
}

func FlagOrViperInt(cmd *cobra.Command, flagName, viperKey string) int {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetInt(flagName)
		if err == nil {
			return value
		}
	}
	return viper.GetInt(viperKey)
}

func FlagOrViperFloat(cmd *cobra.Command, flagName, viperKey string) float64 {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetFloat64(flagName)
		if err == nil {
			return value
		}
	}
	return viper.GetFloat64(viperKey)
}

func FlagOrViperBool(cmd *cobra.Command, flagName, viperKey string) bool {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetBool(flagName)
		if err == nil {
			return value
		}
	}
	return viper.GetBool(viperKey)
}

func FlagOrViperDuration(cmd *cobra.Command, flagName, viperKey string) time.Duration {
	if cmd != nil && cmd.Flags().Changed(flagName) {
		value, err := cmd.Flags().GetDuration(flagName)
		if err == nil {
			return value
		}
	}
	return viper.GetDuration(viperKey)
}
