package cli

import (
	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	verbose  bool
	headless bool
	noServer bool
	startURL string
	serverIn string
)

// ServerConfig holds the loaded configuration (set by main)
var ServerConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "chatbridge",
		Short: "chatbridge - MCP tools for browser chat apps",
		Long: `chatbridge attaches to a chat web app in a browser, keeps a control surface
mounted in the page and runs the tool calls the assistant writes on an MCP server.

Just type 'chatbridge' to start the bridge and its local command API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunAll(cmd.Context())
		},
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Root-only flags
	rootCmd.Flags().BoolVar(&headless, "headless", false, "launch the browser without a window")
	rootCmd.Flags().BoolVar(&noServer, "no-server", false, "do not serve the command API")
	rootCmd.Flags().StringVar(&startURL, "url", "", "chat page to open (default from config)")

	rootCmd.AddCommand(RunCmd())
	rootCmd.AddCommand(SitesCmd())
	rootCmd.AddCommand(PrefsCmd())
	rootCmd.AddCommand(WatchCmd())
	rootCmd.AddCommand(HistoryCmd())
	rootCmd.AddCommand(ToggleCmd())
	rootCmd.AddCommand(TokenCmd())

	return rootCmd
}

// RunCmd is the explicit form of the root command.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and the command API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunAll(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "launch the browser without a window")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not serve the command API")
	cmd.Flags().StringVar(&startURL, "url", "", "chat page to open (default from config)")
	return cmd
}
