package cli

import (
	"fmt"
	"io"

	"livesync/internal/models"

	"github.com/spf13/cobra"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "init",
		Short:         "Open a session on the server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(rootOpts.Server)
			resp, err := client.Init(cmd.Context(), rootOpts.Session)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(map[string]any{
				"session": rootOpts.Session,
				"pushed":  resp.PushBatch,
			}, func(w io.Writer) {
				fmt.Fprintf(w, "session %s\n", rootOpts.Session)
				PrintPushed(w, &resp.PushBatch)
			})
		},
	}
}

// NewUnwatchCommand creates the unwatch command.
func NewUnwatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "unwatch <query-id>",
		Short:         "End a subscription",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := NewClient(rootOpts.Server)
			resp, err := client.Unwatch(cmd.Context(), rootOpts.Session, args[0])
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(resp, func(w io.Writer) {
				fmt.Fprintf(w, "unwatched %s\n", args[0])
				PrintPushed(w, &resp.PushBatch)
			})
		},
	}
}

// NewForgetCommand creates the forget command.
func NewForgetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <subclass/id>...",
		Short: "Drop objects from the session's working set",
		Long: `Drop objects from the session's working set.

The request is aborted as a whole when a watched query still qualifies
one of the objects.

Example:
  syncctl forget Note/2N3xBv6Zc7qJ0nT1yJ8s0e0a1Zk Note/2N3xC2x0pXnY4kz3b8s1hX9GdQ1`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]models.RefSpec, len(args))
			for i, arg := range args {
				ref, err := parseRef(arg)
				if err != nil {
					return err
				}
				refs[i] = ref
			}
			client := NewClient(rootOpts.Server)
			resp, err := client.Forget(cmd.Context(), rootOpts.Session, refs)
			if err != nil {
				return err
			}
			return newFormatter(rootOpts, cmd.OutOrStdout()).Print(resp, func(w io.Writer) {
				fmt.Fprintf(w, "forget: %s\n", resp.Result)
				PrintPushed(w, &resp.PushBatch)
			})
		},
	}
}
