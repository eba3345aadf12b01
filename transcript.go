package main

import (
	"fmt"
	"math"
	"time"

	"chatsync/internal/storage"

	"github.com/spf13/cobra"
)

func newTranscriptCmd(opts *options) *cobra.Command {
	var messageID string
	cmd := &cobra.Command{
		Use:   "transcript [room]",
		Short: "Print archived rooms, or the archived messages of one room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(true)
			if err != nil {
				return err
			}
			if cfg.Transcript == "" {
				return fmt.Errorf("no transcript file, set CHAT_TRANSCRIPT or --transcript")
			}

			archive, err := storage.NewBboltStorage(cfg.Transcript)
			if err != nil {
				return err
			}
			defer func() { _ = archive.Close() }()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				rooms, err := archive.ListRooms()
				if err != nil {
					return err
				}
				for _, r := range rooms {
					printf(out, "%s\t%d messages\tupdated %s\n", r.ID, r.Count, time.Unix(r.UpdatedAt, 0).Format(time.RFC3339))
				}
				return nil
			}

			if messageID != "" {
				e, err := archive.Lookup(args[0], messageID)
				if err != nil {
					return fmt.Errorf("message %s in %s: %w", messageID, args[0], err)
				}
				printf(out, "%d %s\n", e.Seq, formatMessage(e.Message))
				return nil
			}

			entries, err := archive.ListMessages(args[0], 0, math.MaxUint64)
			if err != nil {
				return err
			}
			for _, e := range entries {
				printf(out, "%d %s\n", e.Seq, formatMessage(e.Message))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&messageID, "message", "", "print only this message id (needs a room)")
	return cmd
}
