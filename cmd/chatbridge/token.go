package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/keyring"
)

// TokenCmd creates the backend token command
func TokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the tool backend token in the OS keychain",
		Long: `The keychain token is used when backend.token is empty in the configuration.
Set CHATBRIDGE_KEYRING_DISABLED=1 on machines without a keychain.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set [token]",
		Short: "Store the backend token (reads stdin when no argument is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !keyring.Available() {
				return errors.New("OS keychain is not available")
			}
			var tok string
			if len(args) == 1 {
				tok = args[0]
			} else {
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				tok = strings.TrimSpace(line)
			}
			if err := keyring.SetBackendToken(tok); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("✓") + " backend token stored")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show where the backend token comes from",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case ServerConfig.Backend.Token != "":
				fmt.Println("config (backend.token)")
			case !keyring.Available():
				fmt.Println(dimStyle.Render("none (keychain unavailable)"))
			default:
				if _, err := keyring.BackendToken(); err != nil {
					fmt.Println(dimStyle.Render("none"))
					return nil
				}
				fmt.Println("keychain")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored backend token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return keyring.DeleteBackendToken()
		},
	})

	return cmd
}
