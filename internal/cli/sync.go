package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"livesync/internal/models"

	"github.com/spf13/cobra"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	File string
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Submit creations, deletions and updates",
		Long: `Submit creations, deletions and updates read from a JSON file.

The file holds a sync request without the session, for example:

  {
    "creations": [{"subclass": "Note", "id": "n1", "values": [["title", "hello"]]}],
    "updates":   [{"subclass": "Note", "id": "2N3x...", "version": 3, "values": [["done", 1]]}],
    "deletions": [{"subclass": "Note", "id": "2N3y..."}]
  }

Example:
  syncctl sync --file changes.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readSyncRequest(opts.File, cmd.InOrStdin())
			if err != nil {
				return err
			}
			req.Session = opts.Session

			client := NewClient(opts.Server)
			if _, err := client.Init(cmd.Context(), opts.Session); err != nil {
				return err
			}
			resp, err := client.Sync(cmd.Context(), req)
			if err != nil {
				return err
			}
			return newFormatter(opts.RootOptions, cmd.OutOrStdout()).Print(resp, func(w io.Writer) {
				for _, id := range resp.IDs {
					fmt.Fprintf(w, "%s/%s <- %s\n", id.Subclass, id.ID, id.Local)
				}
				PrintPushed(w, &resp.PushBatch)
			})
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "-", "request file (- for stdin)")

	return cmd
}

func readSyncRequest(path string, stdin io.Reader) (*models.SyncRequest, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	var req models.SyncRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid sync request: %w", err)
	}
	return &req, nil
}
