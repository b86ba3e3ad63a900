package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mcpgateway/internal/api"
	"mcpgateway/pkg/textutil"
)

var (
	listEndpoint string
	listToken    string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers on a running instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := strings.TrimSuffix(listEndpoint, "/") + "/api/servers"
		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if listToken != "" {
			req.Header.Set("X-Authorization", "Bearer "+listToken)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		res, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("cannot reach %s: %w", listEndpoint, err)
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			return fmt.Errorf("registry answered %s", res.Status)
		}

		var payload struct {
			Servers []api.Server `json:"servers"`
		}
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			return fmt.Errorf("invalid response: %w", err)
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Path", "Name", "Description", "Enabled", "Visibility", "Tools", "Origin"})
		for _, server := range payload.Servers {
			origin := server.OriginPeer
			if origin == "" {
				origin = server.OriginType
			}
			if origin == "" {
				origin = "local"
			}
			t.AppendRow(table.Row{
				server.Path,
				server.ServerName,
				textutil.Truncate(server.Description, 48),
				server.IsEnabled,
				server.Visibility,
				server.NumTools(),
				origin,
			})
		}
		t.Render()
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listEndpoint, "endpoint", "http://localhost:8080", "Registry endpoint")
	listCmd.Flags().StringVar(&listToken, "token", "", "Ingress bearer token")
	rootCmd.AddCommand(listCmd)
}
