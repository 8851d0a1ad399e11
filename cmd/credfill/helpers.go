package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductor/credfill/internal/chain"
	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/helper"
)

// helpersCmd lists the configured helpers
var helpersCmd = &cobra.Command{
	Use:   "helpers",
	Short: "List configured credential helpers",
	Long: `List the configured helpers in the order they are consulted.

With --url, or --protocol and --host, only the helpers whose scope matches
that credential are shown.`,
	Example: `  # All helpers
  credfill helpers

  # Helpers that would be asked for a given repository
  credfill helpers --url https://git.corp.example/team/repo.git`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rawURL, _ := cmd.Flags().GetString("url")
		protocol, _ := cmd.Flags().GetString("protocol")
		host, _ := cmd.Flags().GetString("host")

		helpers := env.resolver.Helpers()
		if rawURL != "" || protocol != "" || host != "" {
			rec := &credential.Record{Protocol: protocol, Host: host}
			if rawURL != "" {
				parsed, err := credential.ParseURL(rawURL)
				if err != nil {
					return err
				}
				parsed.Clear()
				rec = parsed
			}
			helpers = chain.Filter(helpers, rec)
		}

		return printHelpers(cmd.OutOrStdout(), helpers)
	},
}

func init() {
	helpersCmd.Flags().String("url", "", "Only show helpers scoped to this URL")
	helpersCmd.Flags().String("protocol", "", "Only show helpers scoped to this protocol")
	helpersCmd.Flags().String("host", "", "Only show helpers scoped to this host")
}

type helperView struct {
	Name       string   `json:"name"`
	Command    string   `json:"command"`
	Operations []string `json:"operations"`
	Protocol   string   `json:"protocol,omitempty"`
	Host       string   `json:"host,omitempty"`
}

func printHelpers(w io.Writer, helpers []helper.Config) error {
	views := make([]helperView, len(helpers))
	for i, h := range helpers {
		views[i] = helperView{
			Name:       h.DisplayName(),
			Command:    h.Command,
			Operations: operationNames(h),
			Protocol:   h.Protocol,
			Host:       h.Host,
		}
	}

	if outputFormat == "json" {
		return writeJSON(w, views)
	}

	if len(views) == 0 {
		fmt.Fprintln(w, Dim("No helpers configured."))
		return nil
	}

	headers := []string{"#", "NAME", "COMMAND", "OPERATIONS", "PROTOCOL", "HOST"}
	rows := make([][]string, len(views))
	for i, v := range views {
		rows[i] = []string{
			fmt.Sprintf("%d", i+1),
			v.Name,
			truncate(v.Command, 48),
			strings.Join(v.Operations, ","),
			orDash(v.Protocol),
			orDash(v.Host),
		}
	}
	fmt.Fprint(w, formatTable(headers, rows))
	return nil
}

func operationNames(h helper.Config) []string {
	var names []string
	for _, op := range []helper.Operation{helper.OpGet, helper.OpStore, helper.OpErase} {
		if h.Supports(op) {
			names = append(names, string(op))
		}
	}
	return names
}
