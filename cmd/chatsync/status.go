package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bizhub-app/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and check the realtime connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		w := cmd.OutOrStdout()

		fmt.Fprintln(w, "Configuration:")
		fmt.Fprintf(w, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))
		fmt.Fprintf(w, "  Send path:   %s\n", map[bool]string{true: "socket", false: "rest"}[cfg.Default.SocketSend])
		if cfg.Auth.Token == "" {
			fmt.Fprintln(w, "  Token:       (not set)")
			return nil
		}
		fmt.Fprintf(w, "  Token:       %s\n", maskToken(cfg.Auth.Token))

		logger := newLogger()
		defer logger.Sync()

		cm := chatsync.NewConnectionManager(chatsync.RealtimeConfig{
			BaseURL: valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL),
			Logger:  logger,
		})
		defer cm.Disconnect()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(w)
		fmt.Fprintln(w, "Live status:")
		start := time.Now()
		if err := cm.Connect(ctx, chatsync.Identity{UserID: cfg.Auth.UserID, Token: cfg.Auth.Token}); err != nil {
			fmt.Fprintf(w, "  Connection:  FAILED (%v)\n", err)
			return nil
		}
		fmt.Fprintf(w, "  Connection:  ok (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(w, "  User ID:     %s\n", valueOrDefault(cm.Identity().UserID, "(unknown)"))

		start = time.Now()
		if _, err := cm.Ping(ctx); err != nil {
			fmt.Fprintf(w, "  Ping:        FAILED (%v)\n", err)
			return nil
		}
		fmt.Fprintf(w, "  Ping:        %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
