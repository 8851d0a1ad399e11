package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductor/credfill/internal/chain"
	"github.com/conductor/credfill/internal/credential"
	"github.com/conductor/credfill/internal/fill"
	"github.com/conductor/credfill/internal/helper"
)

// fillCmd resolves a credential end to end
var fillCmd = &cobra.Command{
	Use:   "fill",
	Short: "Resolve a credential and store or erase it",
	Long: `Fill a partial credential through the helper chain, decide whether to
keep it using --policy, then broadcast store (approved) or erase (rejected)
to every helper that supports it.

Policies:
  complete  approve only when both a username and a password were found (default)
  approve   always approve
  reject    always reject

The password is never printed.`,
	Example: `  # Resolve a credential for a repository URL
  credfill fill --url https://git.example.com/team/repo.git

  # Resolve with discrete fields and reject whatever is found
  credfill fill --protocol https --host git.example.com --username alice --policy reject`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)

		req := fill.Request{}
		req.URL, _ = cmd.Flags().GetString("url")
		req.Protocol, _ = cmd.Flags().GetString("protocol")
		req.Host, _ = cmd.Flags().GetString("host")
		req.Path, _ = cmd.Flags().GetString("path")
		req.Username, _ = cmd.Flags().GetString("username")
		policy, _ := cmd.Flags().GetString("policy")

		if req.URL == "" && req.Host == "" {
			return fmt.Errorf("either --url or --host is required")
		}

		approver, err := approverForPolicy(policy)
		if err != nil {
			return err
		}

		out, err := env.engine.Resolve(ctx, req, approver)
		if out != nil {
			if printErr := printOutcome(cmd.OutOrStdout(), out); printErr != nil {
				return printErr
			}
		}
		return err
	},
}

// getCmd is the git-credential-compatible fill
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Fill a credential read from stdin and write it to stdout",
	Long: `Read a credential in helper protocol format (key=value lines ending
with a blank line) from stdin, fill the missing fields through the helper
chain and write the complete credential, including the password, to stdout.

This mirrors "git credential fill" and makes credfill usable as the
credential source of other tools. Nothing is stored or erased; run
"credfill approve" or "credfill reject" afterwards.`,
	Example: `  printf 'protocol=https\nhost=git.example.com\n\n' | credfill get`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGet(commandContext(cmd), env.resolver, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// approveCmd broadcasts store
var approveCmd = &cobra.Command{
	Use:     "approve",
	Aliases: []string{"store"},
	Short:   "Tell every helper to store the credential read from stdin",
	Example: `  printf 'protocol=https\nhost=git.example.com\nusername=alice\npassword=s3cret\n\n' | credfill approve`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(commandContext(cmd), env.resolver, helper.OpStore, cmd.InOrStdin())
	},
}

// rejectCmd broadcasts erase
var rejectCmd = &cobra.Command{
	Use:     "reject",
	Aliases: []string{"erase"},
	Short:   "Tell every helper to erase the credential read from stdin",
	Example: `  printf 'protocol=https\nhost=git.example.com\nusername=alice\n\n' | credfill reject`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLifecycle(commandContext(cmd), env.resolver, helper.OpErase, cmd.InOrStdin())
	},
}

func init() {
	fillCmd.Flags().String("url", "", "Credential URL, e.g. https://host/path")
	fillCmd.Flags().String("protocol", "", "Protocol, e.g. https")
	fillCmd.Flags().String("host", "", "Host, optionally with :port")
	fillCmd.Flags().String("path", "", "Path below the host")
	fillCmd.Flags().StringP("username", "u", "", "Username")
	fillCmd.Flags().String("policy", "complete", "Approval policy: complete, approve, reject")
}

func approverForPolicy(policy string) (fill.Approver, error) {
	switch strings.ToLower(policy) {
	case "", "complete":
		return fill.CompletePolicy(), nil
	case "approve":
		return fill.Static(true), nil
	case "reject":
		return fill.Static(false), nil
	default:
		return nil, fmt.Errorf("invalid policy: %s (must be 'complete', 'approve' or 'reject')", policy)
	}
}

// readRecord reads one request from in.
func readRecord(in io.Reader) (*credential.Record, error) {
	answer, err := helper.Decode(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return answer.Record, nil
}

func runGet(ctx context.Context, r *chain.Resolver, in io.Reader, out io.Writer) error {
	rec, err := readRecord(in)
	if err != nil {
		return err
	}
	defer rec.Clear()

	if rec.Protocol == "" || rec.Host == "" {
		return fmt.Errorf("credential needs at least protocol and host")
	}

	if !rec.IsComplete() {
		report := r.Fill(ctx, rec)
		for _, a := range report.Attempts {
			if a.Err != nil {
				fmt.Fprintf(errWriter, "%s helper %s: %v\n", Yellow("warning:"), a.Helper, a.Err)
			}
		}
	}

	if !rec.IsComplete() {
		return fmt.Errorf("no helper supplied %s", strings.Join(rec.Missing(), ", "))
	}

	// store is the only operation that serializes the password.
	return helper.Encode(out, rec, helper.OpStore)
}

func runLifecycle(ctx context.Context, r *chain.Resolver, op helper.Operation, in io.Reader) error {
	rec, err := readRecord(in)
	if err != nil {
		return err
	}
	defer rec.Clear()

	if rec.Protocol == "" || rec.Host == "" {
		return fmt.Errorf("credential needs at least protocol and host")
	}

	return r.Broadcast(ctx, op, rec)
}
