package commands

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/busybox42/smtp2graph/internal/queue"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay queued messages",
	}

	cmd.AddCommand(newQueueListCmd(opts), newQueueRetryCmd(opts))
	return cmd
}

func (o *rootOptions) storage() (*queue.FileStorage, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	return queue.NewFileStorage(cfg.Queue.Root)
}

func newQueueListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending and failed messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := opts.storage()
			if err != nil {
				return err
			}

			var entries []queue.Entry
			for _, area := range []queue.Area{queue.Pending, queue.Failed} {
				list, err := storage.List(area)
				if err != nil {
					return err
				}
				entries = append(entries, list...)
			}

			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No messages in queue")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AREA\tNAME\tSIZE\tMODIFIED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.Area, e.Name, e.Size, e.ModTime.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [name]",
		Short: "Move failed messages back into the queue",
		Long: `Move a failed message, or with --all every failed message, back into the
queue. A running relay picks replayed messages up immediately.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return fmt.Errorf("--all does not take a message name")
			}
			if !all && len(args) != 1 {
				return fmt.Errorf("a message name or --all is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := opts.storage()
			if err != nil {
				return err
			}

			if all {
				n, err := storage.ReplayAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d messages\n", n)
				return nil
			}

			name := args[0]
			if err := storage.Replay(name); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("message %s not found in failed queue", name)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Message %s replayed\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "replay every failed message")
	return cmd
}
