package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "companiond",
		Short: "Companion device daemon for Bluetooth LE heart-rate sensors",
		Long: `Companion device daemon for Bluetooth LE heart-rate sensors.

companiond watches associated devices and, whenever one appears or disappears:

- posts or updates a desktop notification for the device
- connects to the sensor and follows its heart-rate measurements
- listens for heart-rate broadcasts while the device is around

Devices are associated with the associate command and stored in the
configuration file.`,
		Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
	}

	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAssociateCmd())
	rootCmd.AddCommand(newDisassociateCmd())
	rootCmd.AddCommand(newAssociationsCmd())
	rootCmd.AddCommand(newNotifyCmd())

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Configuration file (default $XDG_CONFIG_HOME/companiond/config.yaml)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}
