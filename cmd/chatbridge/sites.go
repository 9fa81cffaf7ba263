package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/defaults"
	"github.com/neboloop/chatbridge/internal/registry"
	"github.com/neboloop/chatbridge/internal/sites"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// SitesCmd creates the site adapter management command
func SitesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Inspect site adapters",
		Long: `Site adapters describe how chatbridge finds its way around a chat app.
Built-in adapters ship with chatbridge; more can be added as YAML files in the
sites/ directory of the data directory.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and user site adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSites()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>...",
		Short: "Check YAML site definitions without loading them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateSite(path); err != nil {
					fmt.Printf("%s %s: %v\n", errStyle.Render("✗"), path, err)
					failed++
					continue
				}
				fmt.Printf("%s %s\n", okStyle.Render("✓"), path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	})

	return cmd
}

func listSites() error {
	fmt.Println(titleStyle.Render("Built-in adapters"))
	printPlugins(sites.Builtin())

	dir, err := defaults.Path(defaults.SitesDir)
	if err != nil {
		return err
	}
	plugins, errs := sites.LoadDir(dir)
	fmt.Println()
	fmt.Println(titleStyle.Render("User adapters") + " " + dimStyle.Render(dir))
	if len(plugins) == 0 && len(errs) == 0 {
		fmt.Println(dimStyle.Render("  none"))
	}
	printPlugins(plugins)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "  %s %v\n", errStyle.Render("✗"), err)
	}
	return nil
}

func printPlugins(plugins []registry.Plugin) {
	for _, p := range plugins {
		d := p.Descriptor
		fmt.Printf("  - %s %s\n", d.Name, dimStyle.Render(d.Version))
		fmt.Printf("      hosts:        %s\n", strings.Join(d.Hosts, ", "))
		fmt.Printf("      capabilities: %s\n", d.Capabilities)
	}
}

func validateSite(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def, err := sites.ParseDefinition(data)
	if err != nil {
		return err
	}
	p, err := def.Plugin()
	if err != nil {
		return err
	}
	if err := p.Descriptor.Validate(); err != nil {
		return err
	}
	site, err := p.New()
	if err != nil {
		return err
	}
	return adapter.CheckCapabilities(p.Descriptor, site)
}
