package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/chatbridge/internal/commands"
	"github.com/neboloop/chatbridge/internal/toggle"
)

// ToggleCmd creates the command that flips a switch of the running bridge
func ToggleCmd() *cobra.Command {
	var tool string
	cmd := &cobra.Command{
		Use:   "toggle <mcpEnabled|autoInsert|autoSubmit|autoExecute|tools> <true|false>",
		Short: "Flip a switch of the running bridge",
		Long: `Sends setToggle to the running bridge. Unlike "prefs set" this also reaches the
master switch, which is never stored, and per-tool overrides (field "tools"
with --tool).`,
		Args: cobra.ExactArgs(2),
		ValidArgs: []string{
			toggle.FieldMCPEnabled, toggle.FieldAutoInsert, toggle.FieldAutoSubmit,
			toggle.FieldAutoExecute, toggle.FieldTools,
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			addr := serverIn
			if addr == "" {
				addr = ServerConfig.ServerAddr()
			}
			res, err := postCommand(cmd.Context(), addr, ServerConfig.Server.Token, commands.SetToggle,
				map[string]any{"field": args[0], "tool": tool, "enabled": value})
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s: %s", commands.SetToggle, res.Error)
			}
			printToggles(res.Fields["toggles"])
			return nil
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "tool name for the tools field")
	cmd.Flags().StringVar(&serverIn, "server", "", "bridge address host:port (default from config)")
	return cmd
}

// postCommand runs a named command on the bridge at addr over the HTTP API.
func postCommand(ctx context.Context, addr, token, name string, args any) (commands.Result, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return commands.Result{}, err
	}
	u := url.URL{Scheme: "http", Host: addr, Path: "/api/commands/" + name}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return commands.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return commands.Result{}, fmt.Errorf("is the bridge running? %w", err)
	}
	defer resp.Body.Close()

	var res commands.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return commands.Result{}, fmt.Errorf("decode %s reply (HTTP %d): %w", name, resp.StatusCode, err)
	}
	return res, nil
}

func printToggles(v any) {
	st, ok := v.(map[string]any)
	if !ok {
		return
	}
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		on, _ := st[k].(bool)
		mark := dimStyle.Render("off")
		if on {
			mark = okStyle.Render("on")
		}
		fmt.Printf("%-12s %s\n", k, mark)
	}
}
