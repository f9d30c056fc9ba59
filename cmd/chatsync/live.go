package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bizhub-app/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	sendRoom   bool
	sendSocket bool

	tailRoom        bool
	tailInput       bool
	tailMetricsAddr string
)

func init() {
	sendCmd.Flags().BoolVar(&sendRoom, "room", false, "Treat the ID as a forum room")
	sendCmd.Flags().BoolVar(&sendSocket, "socket", false, "Write over the realtime connection instead of REST")

	tailCmd.Flags().BoolVar(&tailRoom, "room", false, "Treat the ID as a forum room")
	tailCmd.Flags().BoolVarP(&tailInput, "input", "i", false, "Send each line read from stdin")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(tailCmd)
}

// startEngine connects an engine and opens one conversation on it.
func startEngine(ctx context.Context, cfg *Config, logger *zap.Logger, reg prometheus.Registerer, socket bool, convID string, room bool) (*chatsync.Engine, *chatsync.ConversationView, error) {
	e := newEngine(cfg, logger, reg, socket)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := e.Start(connectCtx); err != nil {
		e.Close()
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	v, err := e.Open(connectCtx, convID, conversationKind(room))
	if err != nil {
		e.Close()
		return nil, nil, err
	}
	return e, v, nil
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message and wait until the server has it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, content := args[0], args[1]
		cfg, err := mustConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		e, v, err := startEngine(ctx, cfg, logger, nil, sendSocket, convID, sendRoom)
		if err != nil {
			return err
		}
		defer e.Close()
		defer v.Close()

		settled := make(chan struct{}, 1)
		v.OnChange(func([]chatsync.TimelineItem) {
			select {
			case settled <- struct{}{}:
			default:
			}
		})

		tempID, err := v.Send(ctx, content)
		var failure *chatsync.SendFailure
		if errors.As(err, &failure) {
			fmt.Fprintf(cmd.ErrOrStderr(), "Send failed, draft kept: %q\n", failure.Draft)
			return failure.Err
		}
		if err != nil {
			return err
		}

		for {
			if id, ok := confirmedID(e, convID, tempID, content); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s\n", convID)
				fmt.Fprintf(cmd.OutOrStdout(), "  Message ID: %s\n", id)
				return nil
			}
			select {
			case <-settled:
			case <-ctx.Done():
				e.Discard(tempID)
				return fmt.Errorf("no confirmation for %s: %w", tempID, ctx.Err())
			}
		}
	},
}

// confirmedID reports the canonical ID once tempID has left the pending set.
func confirmedID(e *chatsync.Engine, convID, tempID, content string) (string, bool) {
	for _, p := range e.Reconciler().Pending(convID) {
		if p.TempID == tempID {
			return "", false
		}
	}
	tl := e.Timeline(convID)
	self := e.Reconciler().Self()
	for i := len(tl) - 1; i >= 0; i-- {
		if !tl[i].Optimistic && tl[i].SenderID == self && tl[i].Content == content {
			return tl[i].ID, true
		}
	}
	return "", true
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Print the conversation's history, then every change as it arrives.\nWith --input, lines typed on stdin are sent as messages.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		cfg, err := mustConfig()
		if err != nil {
			return err
		}
		logger := newLogger()
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		if tailMetricsAddr != "" {
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server stopped", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		e, v, err := startEngine(ctx, cfg, logger, reg, false, convID, tailRoom)
		if err != nil {
			return err
		}
		defer e.Close()
		defer v.Close()

		out := &tailPrinter{w: cmd.OutOrStdout(), status: cmd.ErrOrStderr(), self: e.Reconciler().Self(), seen: make(map[string]bool)}
		out.timeline(v.Timeline())

		v.OnChange(out.timeline)
		v.OnTyping(out.typing)
		v.OnPresence(out.presence)
		e.Connection().OnDisconnected(func(ev chatsync.DisconnectedEvent) {
			out.statusf("disconnected (%d %s)", ev.Code, ev.Reason)
		})
		e.Connection().OnReconnecting(func(ev chatsync.ReconnectingEvent) {
			out.statusf("reconnecting in %s (attempt %d)", ev.Delay.Round(time.Millisecond), ev.Attempt)
		})
		e.Connection().OnConnected(func(chatsync.ConnectedEvent) { out.statusf("connected") })

		if tailInput {
			go readInput(ctx, os.Stdin, v, out)
		}

		<-ctx.Done()
		return nil
	},
}

// readInput sends each non-empty line as a message.
func readInput(ctx context.Context, r io.Reader, v *chatsync.ConversationView, out *tailPrinter) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		v.InputChanged(line)
		if _, err := v.Send(ctx, line); err != nil {
			out.statusf("send failed: %v", err)
		}
	}
}

// tailPrinter prints timeline rows once each and status lines to stderr.
type tailPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	status io.Writer
	self   string
	seen   map[string]bool
}

func (p *tailPrinter) timeline(items []chatsync.TimelineItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, it := range items {
		if it.Optimistic || p.seen[it.ID] {
			continue
		}
		p.seen[it.ID] = true
		fmt.Fprintln(p.w, timelineLine(it, p.self))
	}
}

func (p *tailPrinter) typing(users []string) {
	if line := typingLine(users); line != "" {
		p.statusf("%s", line)
	}
}

func (p *tailPrinter) presence(st chatsync.PresenceState) {
	p.statusf("%d online", st.OnlineCount)
}

func (p *tailPrinter) statusf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.status, "-- "+format+"\n", args...)
}
