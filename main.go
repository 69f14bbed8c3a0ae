package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-backup/cmd"
	"github.com/dhcgn/mail-backup/config"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mail-backup",
		Short: "Back up a Microsoft 365 or Outlook.com mailbox as .eml files",
		Long: `mail-backup signs in with the device-code flow and saves the raw MIME
content of every message in a mail folder into numbered folders of
at most 100 .eml files each.`,
		SilenceUsage: true,
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.AddCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
