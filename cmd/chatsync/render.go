package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bizhub-app/chatsync"
)

const timeLayout = "2006-01-02 15:04"

// renderTimeline prints one line per timeline item. Messages sent by self
// are labelled "me".
func renderTimeline(w io.Writer, items []chatsync.TimelineItem, self string) {
	for _, it := range items {
		fmt.Fprintln(w, timelineLine(it, self))
	}
}

func timelineLine(it chatsync.TimelineItem, self string) string {
	sender := it.SenderID
	if sender == self && self != "" {
		sender = "me"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", it.CreatedAt.UTC().Format(timeLayout))
	switch {
	case it.Kind == chatsync.KindSystem:
		b.WriteString("* " + it.Content)
	case it.Deleted:
		b.WriteString(sender + ": (deleted)")
	default:
		b.WriteString(sender + ": " + it.Content)
	}

	if it.Optimistic {
		switch it.SendState {
		case chatsync.SendFailed:
			b.WriteString("  (failed)")
		default:
			b.WriteString("  (sending)")
		}
	}
	if len(it.Reactions) > 0 {
		counts := make(map[string]int)
		var order []string
		for _, r := range it.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		parts := make([]string, len(order))
		for i, e := range order {
			parts[i] = fmt.Sprintf("%s %d", e, counts[e])
		}
		b.WriteString("  [" + strings.Join(parts, ", ") + "]")
	}
	if n := len(it.ReadBy); n > 0 && sender == "me" {
		fmt.Fprintf(&b, "  (read by %d)", n)
	}
	return b.String()
}

// renderConversations prints the conversation list as a table.
func renderConversations(w io.Writer, entries []chatsync.ConversationListEntry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tUNREAD\tONLINE\tLAST ACTIVITY\tLAST MESSAGE")
	for _, e := range entries {
		online := "-"
		if e.Type == chatsync.ConversationRoom {
			online = fmt.Sprintf("%d", e.OnlineCount)
		}
		last := "-"
		if e.LastMessage != nil {
			last = truncate(e.LastMessage.Content, 32)
			if e.LastMessage.Deleted {
				last = "(deleted)"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ConversationID,
			valueOrDefault(string(e.Type), string(chatsync.ConversationDirect)),
			valueOrDefault(e.Title, "(untitled)"),
			e.UnreadCount,
			online,
			relativeTime(e.LastActivityAt, now),
			last,
		)
	}
	return tw.Flush()
}

// typingLine describes who is typing, or returns "" when nobody is.
func typingLine(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing..."
	case 2:
		return users[0] + " and " + users[1] + " are typing..."
	default:
		return fmt.Sprintf("%s and %d others are typing...", users[0], len(users)-1)
	}
}

func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return t.UTC().Format("2006-01-02")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
