package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(dumpStateCmd)

	dumpStateCmd.Flags().String("addr", "127.0.0.1:8080", "debug HTTP address of a running hyparviewd node")
	dumpStateCmd.Flags().String("format", "json", "output format: json or toml")
}

var dumpStateCmd = &cobra.Command{
	Use:   "dump-state",
	Short: "Fetch and print a running node's view snapshot",
	Long: `dump-state queries a running hyparviewd node's /debug/views and
/debug/state endpoints and prints a combined point-in-time snapshot. This
is an operator diagnostic only — it never touches the node's own process
memory, and the snapshot it prints is NOT used to restore view state on
restart (bootstrap always starts from an empty active/passive view).`,
	RunE: runDumpState,
}

// snapshot is the combined, operator-facing view of a node fetched over
// its debug HTTP surface.
type snapshot struct {
	Self        string    `json:"self" toml:"self"`
	ActiveSize  int       `json:"active_size" toml:"active_size"`
	PassiveSize int       `json:"passive_size" toml:"passive_size"`
	Active      []string  `json:"active" toml:"active"`
	Passive     []string  `json:"passive" toml:"passive"`
	FetchedAt   time.Time `json:"fetched_at" toml:"fetched_at"`
}

func runDumpState(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	format, _ := cmd.Flags().GetString("format")

	client := &http.Client{Timeout: 5 * time.Second}

	var views struct {
		Self    string   `json:"self"`
		Active  []string `json:"active"`
		Passive []string `json:"passive"`
	}
	if err := fetchJSON(client, fmt.Sprintf("http://%s/debug/views", addr), &views); err != nil {
		return fmt.Errorf("fetch /debug/views: %w", err)
	}

	var state struct {
		ActiveSize  int `json:"active_size"`
		PassiveSize int `json:"passive_size"`
	}
	if err := fetchJSON(client, fmt.Sprintf("http://%s/debug/state", addr), &state); err != nil {
		return fmt.Errorf("fetch /debug/state: %w", err)
	}

	snap := snapshot{
		Self:        views.Self,
		ActiveSize:  state.ActiveSize,
		PassiveSize: state.PassiveSize,
		Active:      views.Active,
		Passive:     views.Passive,
		FetchedAt:   time.Now(),
	}

	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "toml":
		enc := toml.NewEncoder(os.Stdout)
		return enc.Encode(snap)
	default:
		return fmt.Errorf("unknown --format %q: want json or toml", format)
	}
}

func fetchJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
