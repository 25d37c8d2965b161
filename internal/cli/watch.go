package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"livesync/internal/models"

	"github.com/spf13/cobra"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Follow    bool
	MaxPushes int
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <subclass>",
		Short: "Subscribe to every object of a subclass",
		Long: `Subscribe to every object of a subclass.

Without --follow the current result is printed once. With --follow the
command keeps a WebSocket open and prints every push until interrupted.

Example:
  syncctl watch Note --follow`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Follow {
				return followSubclass(cmd.Context(), opts, args[0], cmd.OutOrStdout())
			}
			return watchOnce(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep printing pushes over a WebSocket")
	cmd.Flags().IntVar(&opts.MaxPushes, "max-pushes", 0, "stop after this many pushes (0 = never)")

	return cmd
}

func watchOnce(ctx context.Context, opts *WatchOptions, subclass string, out io.Writer) error {
	client := NewClient(opts.Server)
	if _, err := client.Init(ctx, opts.Session); err != nil {
		return err
	}
	resp, err := client.Watch(ctx, opts.Session, subclass)
	if err != nil {
		return err
	}
	return printWatch(opts.RootOptions, out, resp)
}

func printWatch(opts *RootOptions, out io.Writer, resp *models.WatchResponse) error {
	return newFormatter(opts, out).Print(resp, func(w io.Writer) {
		fmt.Fprintf(w, "query %s\n", resp.Query.ID)
		printObjects(w, "=", resp.Qualified)
		printObjects(w, ">", resp.Fetch)
		PrintPushed(w, &resp.PushBatch)
	})
}

func followSubclass(ctx context.Context, opts *WatchOptions, subclass string, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sock, err := DialSocket(ctx, opts.Server)
	if err != nil {
		return err
	}
	// closing unblocks Read when the command is interrupted
	go func() {
		<-ctx.Done()
		sock.Close()
	}()

	if _, err := sock.Send(models.MessageTypeInit, models.InitRequest{Session: opts.Session}); err != nil {
		return err
	}
	if _, err := sock.Send(models.MessageTypeWatch, models.WatchRequest{Session: opts.Session, Subclass: subclass}); err != nil {
		return err
	}

	f := newFormatter(opts.RootOptions, out)
	pushes := 0
	for {
		frame, err := sock.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch frame.Type {
		case models.MessageTypeResponse:
			var resp models.WatchResponse
			if err := json.Unmarshal(frame.Data, &resp); err != nil {
				return err
			}
			// the init response carries no query
			if resp.Query.ID == "" {
				continue
			}
			if err := printWatch(opts.RootOptions, out, &resp); err != nil {
				return err
			}
		case models.MessageTypePush:
			var batch models.PushBatch
			if err := json.Unmarshal(frame.Data, &batch); err != nil {
				return err
			}
			if err := f.Print(batch, func(w io.Writer) { PrintPushed(w, &batch) }); err != nil {
				return err
			}
			pushes++
			if opts.MaxPushes > 0 && pushes >= opts.MaxPushes {
				return nil
			}
		}
	}
}
