package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/credential"
)

func newCredentialsCommand() *cobra.Command {
	credentialsCmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the IMAP password stored in the OS keyring",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the password for --imap-user in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.IMAPUser == "" {
				return fmt.Errorf("imap_user is required")
			}

			password, err := readPassword(cmd, fmt.Sprintf("IMAP password for %s: ", cfg.IMAPUser))
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("password is empty")
			}
			if err := credential.Set(cfg.IMAPUser, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password stored for %s\n", cfg.IMAPUser)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored password for --imap-user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.IMAPUser == "" {
				return fmt.Errorf("imap_user is required")
			}
			if err := credential.Delete(cfg.IMAPUser); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password removed for %s\n", cfg.IMAPUser)
			return nil
		},
	}

	credentialsCmd.AddCommand(setCmd, deleteCmd)
	return credentialsCmd
}

// readPassword reads without echo from a terminal, or one line from piped input.
func readPassword(cmd *cobra.Command, prompt string) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), prompt)
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(data), nil
	}

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
