package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bizhub-app/chatsync"
	"github.com/spf13/cobra"
)

var (
	listJSON bool

	historyRoom  bool
	historyLimit int
	historyJSON  bool
)

func init() {
	conversationsCmd.Flags().BoolVar(&listJSON, "json", false, "Output raw JSON")

	historyCmd.Flags().BoolVar(&historyRoom, "room", false, "Treat the ID as a forum room")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List direct conversations and forum rooms by recent activity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := mustConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		list := chatsync.NewConversationList(nil, logger)
		client := newClient(cfg, logger)

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		entries, err := client.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		rooms, err := client.Rooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		list.Seed(entries)
		for _, r := range rooms {
			list.AddRoom(r)
		}

		if listJSON {
			return writeJSON(cmd, list.Entries())
		}
		return renderConversations(cmd.OutOrStdout(), list.Entries(), time.Now())
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		cfg, err := mustConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := newClient(cfg, logger).History(ctx, convID, conversationKind(historyRoom), &chatsync.PageOptions{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		r := chatsync.NewReconciler(chatsync.ReconcilerOptions{SelfID: cfg.Auth.UserID, Logger: logger})
		r.LoadHistory(convID, msgs)

		if historyJSON {
			return writeJSON(cmd, r.Timeline(convID))
		}
		renderTimeline(cmd.OutOrStdout(), r.Timeline(convID), cfg.Auth.UserID)
		return nil
	},
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
