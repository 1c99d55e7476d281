package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/companiond/internal/companion"
	"github.com/srg/companiond/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notify <address> appeared|disappeared",
		Short: "Post a device notification",
		Long: `Post or update the notification of a device, as the daemon does when
the device appears or disappears.`,
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{companion.StateAppeared, companion.StateDisappeared},
		RunE:      runNotify,
	}
	cmd.Flags().String("status", companion.StatusUnknown, "Status shown for an appeared device")
	cmd.Flags().String("presenter", "", "Notification presenter (desktop, log)")
	return cmd
}

func runNotify(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("presenter"); v != "" {
		cfg.Notification.Presenter = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")

	cmd.SilenceUsage = true

	presenter, err := notify.New(cfg.Notification, logger)
	if err != nil {
		return err
	}
	defer presenter.Close()

	rec, err := presenter.Notify(args[0], args[1], status)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Posted notification %d: %s\n", rec.Key, rec.Body)
	return nil
}
