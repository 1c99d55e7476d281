package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newAssociateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "associate <address>",
		Short: "Associate a device",
		Long: `Associate a device so the daemon watches it.

The association is stored in the configuration file and picked up the next
time the daemon starts.`,
		Args: cobra.ExactArgs(1),
		RunE: runAssociate,
	}
	cmd.Flags().String("name", "", "Display name of the device")
	cmd.Flags().String("profile", "heart_rate", "Device profile")
	return cmd
}

func runAssociate(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("name")
	profile, _ := cmd.Flags().GetString("profile")

	cmd.SilenceUsage = true

	a, err := cfg.AddAssociation(args[0], name, profile)
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Associated %s as #%d\n", a.Address, a.ID)
	return nil
}

func newDisassociateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disassociate <address>",
		Short: "Remove a device association",
		Args:  cobra.ExactArgs(1),
		RunE:  runDisassociate,
	}
}

func runDisassociate(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	a, err := cfg.RemoveAssociation(args[0])
	if err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed association #%d (%s)\n", a.ID, a.Address)
	return nil
}

func newAssociationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "associations",
		Short: "List associated devices",
		Args:  cobra.NoArgs,
		RunE:  runAssociations,
	}
}

func runAssociations(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()

	if len(cfg.Associations) == 0 {
		fmt.Fprintln(out, "No associated devices")
		return nil
	}

	// Colors only when writing to a terminal
	if f, ok := out.(*os.File); !ok || !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}
	header := color.New(color.Bold)
	addr := color.New(color.FgCyan)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header.Sprint("ID")+"\t"+header.Sprint("ADDRESS")+"\t"+header.Sprint("NAME")+"\t"+header.Sprint("PROFILE"))
	for _, a := range cfg.Associations {
		name := a.DisplayName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.ID, addr.Sprint(a.Address), name, a.DeviceProfile)
	}
	return w.Flush()
}
