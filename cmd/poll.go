package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/realtime-911/internal/incident"
)

var errPollFailed = errors.New("poll cycle failed")

func newPollCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run a single poll cycle and print the active incidents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("--output must be json or yaml, got %q", output)
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a)
			if !a.Poller.PollOnce(cmd.Context()) {
				return errPollFailed
			}
			return printIncidents(cmd.OutOrStdout(), output, a.Cache.ListActive())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")
	return cmd
}

func printIncidents(w io.Writer, format string, incs []incident.Incident) error {
	// Round-trip through JSON so YAML keys follow the json tags.
	data, err := json.Marshal(incs)
	if err != nil {
		return fmt.Errorf("encode incidents: %w", err)
	}
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(json.RawMessage(data))
	}
	var generic []map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("decode incidents: %w", err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
