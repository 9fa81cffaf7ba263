package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/config"
	"github.com/neboloop/chatbridge/internal/db"
	"github.com/neboloop/chatbridge/internal/db/migrations"
	"github.com/neboloop/chatbridge/internal/defaults"
	"github.com/neboloop/chatbridge/internal/local"
	"github.com/neboloop/chatbridge/internal/toggle"
)

// PrefsCmd creates the preferences command
func PrefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefs",
		Short: "Read or change the automation preferences",
		Long: `Preferences are shared with a running bridge. With the file backend it picks
up changes immediately; with the sqlite backend on its next session poll. The
master switch is never stored: it starts off on every page load. Use
"chatbridge toggle" to flip it on a running bridge.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored preferences as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openPrefs(*ServerConfig)
			if err != nil {
				return err
			}
			defer closeFn()
			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st.Persistable())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "set <autoInsert|autoSubmit|autoExecute> <true|false>",
		Short:     "Change one preference",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{toggle.FieldAutoInsert, toggle.FieldAutoSubmit, toggle.FieldAutoExecute},
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			store, closeFn, err := openPrefs(*ServerConfig)
			if err != nil {
				return err
			}
			defer closeFn()
			return setPref(cmd.Context(), store, args[0], value)
		},
	})

	return cmd
}

func setPref(ctx context.Context, store toggle.Store, field string, value bool) error {
	st, err := store.Load(ctx)
	if err != nil {
		return err
	}
	switch field {
	case toggle.FieldAutoInsert:
		st.AutoInsert = value
	case toggle.FieldAutoSubmit:
		st.AutoSubmit = value
	case toggle.FieldAutoExecute:
		st.AutoExecute = value
	case toggle.FieldMCPEnabled:
		return fmt.Errorf("%s is not stored; use \"chatbridge toggle %s true\" on a running bridge", field, field)
	default:
		return fmt.Errorf("unknown preference %q", field)
	}
	if err := store.Save(ctx, st); err != nil {
		return err
	}
	fmt.Printf("%s = %t\n", field, value)
	return nil
}

// openPrefs opens the preference store selected by prefs.backend.
func openPrefs(c config.Config) (toggle.Store, func(), error) {
	if c.PrefsBackend() == config.PrefsSQLite {
		store, err := openDB(c)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	fs, err := local.DefaultFileStore()
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

func openDB(c config.Config) (*db.Store, error) {
	migrations.QuietMode = true
	path := c.Database.SQLitePath
	if path == "" {
		var err error
		if path, err = defaults.Path(defaults.DatabaseFile); err != nil {
			return nil, err
		}
	}
	return db.NewSQLite(path)
}
