package chatsync

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMatchWindow bounds how far apart an optimistic entry and a pushed
// canonical message may be for the content heuristic to pair them.
const DefaultMatchWindow = 10 * time.Second

// maxDeferredMessages bounds how many unseen message IDs may hold queued
// updates at once.
const maxDeferredMessages = 1024

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	SelfID      string
	MatchWindow time.Duration
	Clock       Clock
	Logger      *zap.Logger
	Metrics     *Metrics
}

// PushResult reports what ApplyPush did.
type PushResult struct {
	ConversationID string
	// Inserted is true when a canonical message was seen for the first time.
	Inserted bool
	// Updated is true when an existing message changed.
	Updated bool
	// Duplicate is true when the event repeated a known message.
	Duplicate bool
	// RetiredTempID names the optimistic entry the message replaced.
	RetiredTempID string
	Message       *Message
}

// Changed reports whether the timeline of ConversationID changed.
func (r PushResult) Changed() bool {
	return r.Inserted || r.Updated || r.RetiredTempID != ""
}

type timeline struct {
	canonical map[string]*Message
	order     []*Message
	pending   map[string]*OptimisticEntry
	// claimed holds canonical IDs that already replaced an optimistic entry
	// so the heuristic never pairs one message with two entries.
	claimed map[string]struct{}
}

func newTimeline() *timeline {
	return &timeline{
		canonical: make(map[string]*Message),
		pending:   make(map[string]*OptimisticEntry),
		claimed:   make(map[string]struct{}),
	}
}

func (t *timeline) insert(m *Message) {
	t.canonical[m.ID] = m
	i := sort.Search(len(t.order), func(i int) bool {
		return timelineLess(m.CreatedAt, m.ID, t.order[i].CreatedAt, t.order[i].ID)
	})
	t.order = append(t.order, nil)
	copy(t.order[i+1:], t.order[i:])
	t.order[i] = m
}

// Reconciler merges history, optimistic entries and push events into one
// ordered, deduplicated timeline per conversation. It exclusively owns the
// timelines; readers get copies through Timeline.
type Reconciler struct {
	window  time.Duration
	clock   Clock
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.RWMutex
	selfID    string
	timelines map[string]*timeline
	// byID locates a canonical message for events that carry only its ID.
	byID map[string]string
	// byTemp locates an optimistic entry's conversation.
	byTemp map[string]string
	// deferred holds updates for message IDs not seen yet, applied in
	// arrival order once the message is inserted.
	deferred map[string][]func(*Message) bool
}

// NewReconciler creates an empty Reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.MatchWindow == 0 {
		opts.MatchWindow = DefaultMatchWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Reconciler{
		window:    opts.MatchWindow,
		clock:     clockOrSystem(opts.Clock),
		logger:    opts.Logger.Named("reconciler"),
		metrics:   opts.Metrics,
		selfID:    opts.SelfID,
		timelines: make(map[string]*timeline),
		byID:      make(map[string]string),
		byTemp:    make(map[string]string),
		deferred:  make(map[string][]func(*Message) bool),
	}
}

// SetSelf sets the local user's ID, used as sender of optimistic entries.
func (r *Reconciler) SetSelf(userID string) {
	r.mu.Lock()
	r.selfID = userID
	r.mu.Unlock()
}

// Self returns the local user's ID.
func (r *Reconciler) Self() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selfID
}

func (r *Reconciler) timelineLocked(convID string) *timeline {
	t, ok := r.timelines[convID]
	if !ok {
		t = newTimeline()
		r.timelines[convID] = t
	}
	return t
}

// ============================================================================
// History
// ============================================================================

// LoadHistory seeds or extends a timeline. Staged optimistic entries are
// kept; any that a history message supersedes are retired. It returns how
// many messages were new.
func (r *Reconciler) LoadHistory(convID string, entries []Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.timelineLocked(convID)
	added := 0
	for i := range entries {
		m := entries[i].clone()
		if m.ConversationID == "" {
			m.ConversationID = convID
		}
		if m.ConversationID != convID {
			r.anomalyLocked(AnomalyConversationMix, convID, m.ID)
			continue
		}
		if m.ID == "" {
			continue
		}
		if existing, ok := t.canonical[m.ID]; ok {
			mergeMessage(existing, &m)
			continue
		}
		r.insertLocked(t, &m)
		added++
		if tempID := r.matchOptimisticLocked(t, &m); tempID != "" {
			r.retireLocked(t, tempID, m.ID, "history")
		}
	}
	return added
}

// ============================================================================
// Optimistic sends
// ============================================================================

// SendOptimistic stages a pending entry and returns its temporary ID. The
// caller performs the durable write and then calls ConfirmSend or FailSend.
func (r *Reconciler) SendOptimistic(convID, content string) string {
	ref := uuid.NewString()
	e := &OptimisticEntry{
		TempID:         "local-" + ref,
		ConversationID: convID,
		Content:        content,
		ClientRef:      ref,
		CreatedAt:      r.clock.Now().UTC(),
		SendState:      SendPending,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.SenderID = r.selfID
	r.timelineLocked(convID).pending[e.TempID] = e
	r.byTemp[e.TempID] = convID
	return e.TempID
}

// Optimistic returns a copy of a staged entry.
func (r *Reconciler) Optimistic(tempID string) (OptimisticEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convID, ok := r.byTemp[tempID]
	if !ok {
		return OptimisticEntry{}, false
	}
	e := r.timelines[convID].pending[tempID]
	return *e, true
}

// ConfirmSend retires the optimistic entry and inserts the canonical
// message. If a push already delivered the message, only the entry is
// retired.
func (r *Reconciler) ConfirmSend(tempID string, msg Message) PushResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	convID, known := r.byTemp[tempID]
	if msg.ConversationID == "" {
		msg.ConversationID = convID
	}
	if known && convID != msg.ConversationID {
		r.anomalyLocked(AnomalyConversationMix, convID, msg.ID)
		msg.ConversationID = convID
	}

	t := r.timelineLocked(msg.ConversationID)
	res := PushResult{ConversationID: msg.ConversationID}
	m := msg.clone()
	if existing, ok := t.canonical[m.ID]; ok {
		// The push usually wins the race against the REST response.
		res.Updated = mergeMessage(existing, &m)
		res.Duplicate = true
		res.Message = existing
	} else {
		if !known {
			r.anomalyLocked(AnomalyLateConfirm, msg.ConversationID, msg.ID)
		}
		r.insertLocked(t, &m)
		res.Inserted = true
		res.Message = &m
	}
	if known {
		r.retireLocked(t, tempID, m.ID, "confirm")
		res.RetiredTempID = tempID
	}
	res.Message = copyMessage(res.Message)
	return res
}

// FailSend marks the entry failed and returns it so the caller can restore
// the draft.
func (r *Reconciler) FailSend(tempID string) (OptimisticEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.pendingLocked(tempID)
	if e == nil {
		return OptimisticEntry{}, false
	}
	e.SendState = SendFailed
	r.metrics.incSendFailure()
	return *e, true
}

// RetrySend moves a failed entry back to pending with a fresh timestamp.
func (r *Reconciler) RetrySend(tempID string) (OptimisticEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.pendingLocked(tempID)
	if e == nil {
		return OptimisticEntry{}, ErrUnknownTempID
	}
	e.SendState = SendPending
	e.CreatedAt = r.clock.Now().UTC()
	return *e, nil
}

// DiscardOptimistic drops an entry the user gave up on.
func (r *Reconciler) DiscardOptimistic(tempID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	convID, ok := r.byTemp[tempID]
	if !ok {
		return false
	}
	delete(r.timelines[convID].pending, tempID)
	delete(r.byTemp, tempID)
	return true
}

func (r *Reconciler) pendingLocked(tempID string) *OptimisticEntry {
	convID, ok := r.byTemp[tempID]
	if !ok {
		return nil
	}
	return r.timelines[convID].pending[tempID]
}

// ============================================================================
// Push events
// ============================================================================

// ApplyPush folds a message-level push event into the timelines. Kinds the
// Reconciler does not own are ignored.
func (r *Reconciler) ApplyPush(ev Event) PushResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case NewMessageEvent:
		return r.applyNewMessageLocked(e.Message)
	case MessageDeletedEvent:
		return r.updateLocked(e.MessageID, e.ConversationID, func(m *Message) bool {
			if m.Deleted {
				return false
			}
			m.Deleted = true
			return true
		})
	case MessageReactionEvent:
		return r.updateLocked(e.MessageID, e.ConversationID, func(m *Message) bool {
			m.Reactions = append([]Reaction(nil), e.Reactions...)
			return true
		})
	case MessageReadEvent:
		reader := e.UserID
		if reader == "" {
			reader = PeerReader
		}
		var res PushResult
		for _, id := range e.MessageIDs {
			one := r.updateLocked(id, e.ConversationID, func(m *Message) bool {
				if m.IsReadBy(reader) {
					return false
				}
				if m.ReadBy == nil {
					m.ReadBy = make(map[string]struct{})
				}
				m.ReadBy[reader] = struct{}{}
				return true
			})
			if one.ConversationID != "" {
				res.ConversationID = one.ConversationID
			}
			res.Updated = res.Updated || one.Updated
		}
		return res
	}
	return PushResult{}
}

// PeerReader stands in for the reader of a message_read event that does not
// name one. In direct chats that is the other participant.
const PeerReader = "peer"

func (r *Reconciler) applyNewMessageLocked(msg Message) PushResult {
	res := PushResult{ConversationID: msg.ConversationID}
	if msg.ID == "" || msg.ConversationID == "" {
		r.anomalyLocked(AnomalyUnknownMessage, msg.ConversationID, msg.ID)
		return res
	}
	t := r.timelineLocked(msg.ConversationID)

	if existing, ok := t.canonical[msg.ID]; ok {
		r.anomalyLocked(AnomalyDuplicateID, msg.ConversationID, msg.ID)
		m := msg.clone()
		res.Updated = mergeMessage(existing, &m)
		res.Duplicate = true
		res.Message = copyMessage(existing)
		return res
	}

	m := msg.clone()
	r.insertLocked(t, &m)
	res.Inserted = true
	if tempID := r.matchOptimisticLocked(t, &m); tempID != "" {
		r.retireLocked(t, tempID, m.ID, "push")
		res.RetiredTempID = tempID
	}
	res.Message = copyMessage(&m)
	return res
}

func (r *Reconciler) updateLocked(msgID, convHint string, mutate func(*Message) bool) PushResult {
	convID, ok := r.byID[msgID]
	if !ok {
		r.logger.Debug("event for unknown message",
			zap.String("message_id", msgID),
			zap.String("conversation_id", convHint),
		)
		r.metrics.incAnomaly(AnomalyUnknownMessage)
		if _, queued := r.deferred[msgID]; queued || len(r.deferred) < maxDeferredMessages {
			r.deferred[msgID] = append(r.deferred[msgID], mutate)
		}
		return PushResult{}
	}
	m := r.timelines[convID].canonical[msgID]
	res := PushResult{ConversationID: convID}
	res.Updated = mutate(m)
	res.Message = copyMessage(m)
	return res
}

// ============================================================================
// Matching
// ============================================================================

// matchOptimisticLocked finds the optimistic entry m supersedes: first by
// the echoed clientRef, then by sender, identical content and a createdAt
// within the match window. The earliest pending candidate wins.
func (r *Reconciler) matchOptimisticLocked(t *timeline, m *Message) string {
	if len(t.pending) == 0 {
		return ""
	}
	if m.ClientRef != "" {
		for id, e := range t.pending {
			if e.ClientRef == m.ClientRef {
				return id
			}
		}
	}
	if m.SenderID == "" || m.SenderID != r.selfID {
		return ""
	}

	var best *OptimisticEntry
	for _, e := range t.pending {
		if e.SendState != SendPending || e.Content != m.Content {
			continue
		}
		if absDuration(m.CreatedAt.Sub(e.CreatedAt)) > r.window {
			continue
		}
		if best == nil || timelineLess(e.CreatedAt, e.TempID, best.CreatedAt, best.TempID) {
			best = e
		}
	}
	if best == nil {
		return ""
	}
	return best.TempID
}

func (r *Reconciler) retireLocked(t *timeline, tempID, canonicalID, via string) {
	delete(t.pending, tempID)
	delete(r.byTemp, tempID)
	t.claimed[canonicalID] = struct{}{}
	r.metrics.incRetired(via)
	r.logger.Debug("optimistic entry retired",
		zap.String("temp_id", tempID),
		zap.String("message_id", canonicalID),
		zap.String("via", via),
	)
}

// Reconcile re-runs heuristic matching for a conversation, pairing pending
// entries with canonical messages that have not replaced an entry yet. It
// returns the retired temporary IDs.
func (r *Reconciler) Reconcile(convID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timelines[convID]
	if !ok {
		return nil
	}
	var retired []string
	for _, m := range t.order {
		if len(t.pending) == 0 {
			break
		}
		if _, done := t.claimed[m.ID]; done {
			continue
		}
		if tempID := r.matchOptimisticLocked(t, m); tempID != "" {
			r.retireLocked(t, tempID, m.ID, "reconcile")
			retired = append(retired, tempID)
		}
	}
	return retired
}

func (r *Reconciler) insertLocked(t *timeline, m *Message) {
	if m.Kind == "" {
		m.Kind = KindText
	}
	t.insert(m)
	r.byID[m.ID] = m.ConversationID
	if updates, ok := r.deferred[m.ID]; ok {
		delete(r.deferred, m.ID)
		for _, mutate := range updates {
			mutate(m)
		}
		r.logger.Debug("applied deferred updates",
			zap.String("message_id", m.ID),
			zap.Int("count", len(updates)),
		)
	}
}

func (r *Reconciler) anomalyLocked(kind AnomalyKind, convID, msgID string) {
	a := ReconciliationAnomaly{Kind: kind, ConversationID: convID, MessageID: msgID}
	r.logger.Warn("reconciliation anomaly", zap.Stringer("anomaly", a))
	r.metrics.incAnomaly(kind)
}

// mergeMessage folds a re-delivered copy into the stored message without
// undoing a soft delete. It reports whether anything changed.
func mergeMessage(dst, src *Message) bool {
	changed := false
	if src.Deleted && !dst.Deleted {
		dst.Deleted = true
		changed = true
	}
	for id := range src.ReadBy {
		if !dst.IsReadBy(id) {
			if dst.ReadBy == nil {
				dst.ReadBy = make(map[string]struct{})
			}
			dst.ReadBy[id] = struct{}{}
			changed = true
		}
	}
	if src.Reactions != nil && !sameReactions(dst.Reactions, src.Reactions) {
		dst.Reactions = append([]Reaction(nil), src.Reactions...)
		changed = true
	}
	if dst.ClientRef == "" && src.ClientRef != "" {
		dst.ClientRef = src.ClientRef
	}
	return changed
}

func sameReactions(a, b []Reaction) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	c := m.clone()
	return &c
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Projection
// ============================================================================

// Timeline returns the conversation's canonical messages and still-staged
// optimistic entries ordered by createdAt, ties broken by ID.
func (r *Reconciler) Timeline(convID string) []TimelineItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[convID]
	if !ok {
		return nil
	}

	items := make([]TimelineItem, 0, len(t.order)+len(t.pending))
	for _, m := range t.order {
		items = append(items, itemFromMessage(m))
	}
	if len(t.pending) == 0 {
		return items
	}
	for _, e := range t.pending {
		items = append(items, itemFromOptimistic(e))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return timelineLess(items[i].CreatedAt, items[i].ID, items[j].CreatedAt, items[j].ID)
	})
	return items
}

// Message returns a copy of a canonical message.
func (r *Reconciler) Message(id string) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	convID, ok := r.byID[id]
	if !ok {
		return Message{}, false
	}
	return r.timelines[convID].canonical[id].clone(), true
}

// Pending returns the conversation's optimistic entries, oldest first.
func (r *Reconciler) Pending(convID string) []OptimisticEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[convID]
	if !ok {
		return nil
	}
	out := make([]OptimisticEntry, 0, len(t.pending))
	for _, e := range t.pending {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return timelineLess(out[i].CreatedAt, out[i].TempID, out[j].CreatedAt, out[j].TempID)
	})
	return out
}

// Latest returns the newest canonical message in a conversation.
func (r *Reconciler) Latest(convID string) (Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[convID]
	if !ok || len(t.order) == 0 {
		return Message{}, false
	}
	return t.order[len(t.order)-1].clone(), true
}
