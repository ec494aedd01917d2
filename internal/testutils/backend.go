package testutils

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/gateway"
)

// FakeBackend is an in-memory gateway.Backend. Notifications are delivered
// synchronously on the goroutine that caused them, before the causing call
// returns, unless HoldNotifications is in effect.
type FakeBackend struct {
	mu sync.Mutex

	now    domain.Timestamp
	nextID int

	messages      map[string][]domain.Message
	conversations map[string]domain.Conversation
	profiles      map[string]string
	typing        []domain.TypingRecord

	tails     map[int]*fakeTail
	convSubs  map[int]*fakeConvSub
	typingSub map[int]*fakeTypingSub
	nextSub   int

	held   bool
	queued []func()

	fetchErrs     []error
	appendErrs    []error
	mutateErrs    []error
	subscribeErrs []error
	typingErrs    []error
	memberErrs    []error

	fetchGate chan struct{}

	FetchCalls        int
	AppendCalls       int
	MutateCalls       int
	EnsureMemberCalls int
	ProfileCalls      int
	MarkReadCalls     []string
}

var _ gateway.Backend = (*FakeBackend)(nil)

// NewFakeBackend creates an empty backend whose clock starts at one second
// past the epoch and advances one millisecond per append.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		now:           1_000_000,
		messages:      make(map[string][]domain.Message),
		conversations: make(map[string]domain.Conversation),
		profiles:      make(map[string]string),
		tails:         make(map[int]*fakeTail),
		convSubs:      make(map[int]*fakeConvSub),
		typingSub:     make(map[int]*fakeTypingSub),
	}
}

type fakeTail struct {
	conv     string
	size     int
	onUpdate func([]domain.Message)
	onError  func(error)
}

type fakeConvSub struct {
	user     string
	onUpdate func([]domain.Conversation)
	onError  func(error)
}

type fakeTypingSub struct {
	conv string
	fn   func(domain.TypingRecord)
}

// --- test controls ---

// HoldNotifications queues notifications until Flush.
func (b *FakeBackend) HoldNotifications() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

// Flush delivers queued notifications and stops holding.
func (b *FakeBackend) Flush() {
	b.mu.Lock()
	b.held = false
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// FailFetch makes the next FetchPage calls fail with errs, in order.
func (b *FakeBackend) FailFetch(errs ...error) {
	b.mu.Lock()
	b.fetchErrs = append(b.fetchErrs, errs...)
	b.mu.Unlock()
}

// FailAppend makes the next Append calls fail with errs, in order.
func (b *FakeBackend) FailAppend(errs ...error) {
	b.mu.Lock()
	b.appendErrs = append(b.appendErrs, errs...)
	b.mu.Unlock()
}

// FailMutate makes the next Mutate calls fail with errs, in order.
func (b *FakeBackend) FailMutate(errs ...error) {
	b.mu.Lock()
	b.mutateErrs = append(b.mutateErrs, errs...)
	b.mu.Unlock()
}

// FailSubscribe makes the next SubscribeTail or SubscribeConversations calls
// fail with errs, in order.
func (b *FakeBackend) FailSubscribe(errs ...error) {
	b.mu.Lock()
	b.subscribeErrs = append(b.subscribeErrs, errs...)
	b.mu.Unlock()
}

// FailTyping makes the next UpsertTyping or ClearTyping calls fail.
func (b *FakeBackend) FailTyping(errs ...error) {
	b.mu.Lock()
	b.typingErrs = append(b.typingErrs, errs...)
	b.mu.Unlock()
}

// FailEnsureMember makes the next EnsureMember calls fail with errs, in order.
func (b *FakeBackend) FailEnsureMember(errs ...error) {
	b.mu.Lock()
	b.memberErrs = append(b.memberErrs, errs...)
	b.mu.Unlock()
}

// GateFetches makes FetchPage block until the returned channel is closed or
// the caller's context ends.
func (b *FakeBackend) GateFetches() chan struct{} {
	gate := make(chan struct{})
	b.mu.Lock()
	b.fetchGate = gate
	b.mu.Unlock()
	return gate
}

// Seed stores messages without notifying anyone. Messages without an ID or
// timestamp get generated ones.
func (b *FakeBackend) Seed(msgs ...domain.Message) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, b.storeLocked(m))
	}
	return out
}

// Insert stores a message as if another client appended it, notifying tails.
func (b *FakeBackend) Insert(m domain.Message) domain.Message {
	b.mu.Lock()
	stored := b.storeLocked(m)
	fns := b.tailNotificationsLocked(stored.ConversationID)
	b.mu.Unlock()
	b.dispatch(fns)
	return stored
}

// AddConversation stores or replaces a conversation, notifying list subscribers.
func (b *FakeBackend) AddConversation(c domain.Conversation) {
	b.mu.Lock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = b.tickLocked()
	}
	b.conversations[c.ID] = c
	fns := b.convNotificationsLocked()
	b.mu.Unlock()
	b.dispatch(fns)
}

// SetProfile sets the display name of userID.
func (b *FakeBackend) SetProfile(userID, name string) {
	b.mu.Lock()
	b.profiles[userID] = name
	b.mu.Unlock()
}

// DropTails fails every tail subscription of conversationID with err. The
// dropped subscriptions stop delivering.
func (b *FakeBackend) DropTails(conversationID string, err error) {
	b.mu.Lock()
	var fns []func()
	for id, t := range b.tails {
		if t.conv != conversationID {
			continue
		}
		delete(b.tails, id)
		if t.onError != nil {
			onError := t.onError
			fns = append(fns, func() { onError(err) })
		}
	}
	b.mu.Unlock()
	b.dispatch(fns)
}

// DropConversationSubs fails every conversation list subscription with err.
func (b *FakeBackend) DropConversationSubs(err error) {
	b.mu.Lock()
	var fns []func()
	for id, s := range b.convSubs {
		delete(b.convSubs, id)
		if s.onError != nil {
			onError := s.onError
			fns = append(fns, func() { onError(err) })
		}
	}
	b.mu.Unlock()
	b.dispatch(fns)
}

// ActiveTails reports the live tail subscriptions of conversationID.
func (b *FakeBackend) ActiveTails(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.tails {
		if t.conv == conversationID {
			n++
		}
	}
	return n
}

// ActiveTypingSubs reports the live typing subscriptions.
func (b *FakeBackend) ActiveTypingSubs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.typingSub)
}

// Messages returns the stored history of conversationID, oldest first.
func (b *FakeBackend) Messages(conversationID string) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneMessages(b.messages[conversationID])
}

// Conversation returns the stored conversation.
func (b *FakeBackend) Conversation(id string) (domain.Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	return c, ok
}

// TypingLog returns every typing write, clears included as inactive records.
func (b *FakeBackend) TypingLog() []domain.TypingRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.typing)
}

// --- gateway.Messages ---

func (b *FakeBackend) FetchPage(ctx context.Context, conversationID string, pageSize int, before *domain.Cursor) (gateway.Page, error) {
	b.mu.Lock()
	b.FetchCalls++
	gate := b.fetchGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return gateway.Page{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := pop(&b.fetchErrs); err != nil {
		return gateway.Page{}, err
	}
	return b.pageLocked(conversationID, pageSize, before), nil
}

func (b *FakeBackend) SubscribeTail(ctx context.Context, conversationID string, size int, onUpdate func([]domain.Message), onError func(error)) (gateway.Subscription, error) {
	b.mu.Lock()
	if err := pop(&b.subscribeErrs); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.tails[id] = &fakeTail{conv: conversationID, size: size, onUpdate: onUpdate, onError: onError}
	window := b.pageLocked(conversationID, size, nil).Messages
	b.mu.Unlock()

	b.dispatch([]func(){func() { b.deliverTail(id, window) }})
	return gateway.OnceSubscription(func() {
		b.mu.Lock()
		delete(b.tails, id)
		b.mu.Unlock()
	}), nil
}

func (b *FakeBackend) Append(ctx context.Context, draft domain.Draft) (domain.Message, error) {
	b.mu.Lock()
	b.AppendCalls++
	if err := pop(&b.appendErrs); err != nil {
		b.mu.Unlock()
		return domain.Message{}, err
	}
	if err := draft.Validate(); err != nil {
		b.mu.Unlock()
		return domain.Message{}, &domain.WriteError{Op: "append", Err: err}
	}
	stored := b.storeLocked(domain.Message{
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		SenderName:     draft.SenderName,
		Body:           draft.Body(),
		Kind:           draft.Kind,
		Nonce:          draft.Nonce,
	})
	if c, ok := b.conversations[draft.ConversationID]; ok {
		c.LastMessage = &domain.Preview{Text: stored.Body.Text, SenderID: stored.SenderID, At: stored.CreatedAt}
		unread := make(map[string]int, len(c.Members))
		for _, m := range c.Members {
			if m != draft.SenderID {
				unread[m] = c.Unread[m] + 1
			}
		}
		c.Unread = unread
		b.conversations[c.ID] = c
	}
	fns := append(b.tailNotificationsLocked(draft.ConversationID), b.convNotificationsLocked()...)
	b.mu.Unlock()

	b.dispatch(fns)
	return stored.Clone(), nil
}

func (b *FakeBackend) Mutate(ctx context.Context, conversationID, messageID string, patch domain.Patch) (domain.Message, error) {
	b.mu.Lock()
	b.MutateCalls++
	if err := pop(&b.mutateErrs); err != nil {
		b.mu.Unlock()
		return domain.Message{}, err
	}
	msgs := b.messages[conversationID]
	i := slices.IndexFunc(msgs, func(m domain.Message) bool { return m.ID == messageID })
	if i < 0 {
		b.mu.Unlock()
		return domain.Message{}, domain.ErrNotFound
	}
	if patch.Kind == domain.PatchEdit && msgs[i].SenderID != patch.UserID {
		b.mu.Unlock()
		return domain.Message{}, domain.ErrForbidden
	}
	updated := patch.Apply(msgs[i])
	if patch.Kind == domain.PatchEdit {
		at := b.tickLocked()
		updated.EditedAt = &at
	}
	msgs[i] = updated
	fns := b.tailNotificationsLocked(conversationID)
	b.mu.Unlock()

	b.dispatch(fns)
	return updated.Clone(), nil
}

// Delete removes a message, notifying tails.
func (b *FakeBackend) Delete(conversationID, messageID string) {
	b.mu.Lock()
	b.messages[conversationID] = slices.DeleteFunc(b.messages[conversationID], func(m domain.Message) bool {
		return m.ID == messageID
	})
	fns := b.tailNotificationsLocked(conversationID)
	b.mu.Unlock()
	b.dispatch(fns)
}

// --- gateway.Conversations ---

func (b *FakeBackend) SubscribeConversations(ctx context.Context, userID string, onUpdate func([]domain.Conversation), onError func(error)) (gateway.Subscription, error) {
	b.mu.Lock()
	if err := pop(&b.subscribeErrs); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	id := b.nextSub
	b.nextSub++
	b.convSubs[id] = &fakeConvSub{user: userID, onUpdate: onUpdate, onError: onError}
	list := b.conversationsForLocked(userID)
	b.mu.Unlock()

	b.dispatch([]func(){func() { b.deliverConvs(id, list) }})
	return gateway.OnceSubscription(func() {
		b.mu.Lock()
		delete(b.convSubs, id)
		b.mu.Unlock()
	}), nil
}

func (b *FakeBackend) EnsureMember(ctx context.Context, conversationID, userID string) error {
	b.mu.Lock()
	b.EnsureMemberCalls++
	if err := pop(&b.memberErrs); err != nil {
		b.mu.Unlock()
		return err
	}
	c, ok := b.conversations[conversationID]
	if !ok {
		c = domain.Conversation{
			ID:        conversationID,
			Kind:      domain.ConversationBroadcast,
			Title:     conversationID,
			CreatedAt: b.tickLocked(),
		}
	}
	if c.HasMember(userID) {
		b.mu.Unlock()
		return nil
	}
	c.Members = append(slices.Clone(c.Members), userID)
	b.conversations[conversationID] = c
	fns := b.convNotificationsLocked()
	b.mu.Unlock()

	b.dispatch(fns)
	return nil
}

func (b *FakeBackend) CreateConversation(ctx context.Context, conv domain.Conversation) (domain.Conversation, error) {
	b.mu.Lock()
	if conv.ID == "" {
		b.nextID++
		conv.ID = fmt.Sprintf("c%04d", b.nextID)
	}
	if _, exists := b.conversations[conv.ID]; exists {
		b.mu.Unlock()
		return domain.Conversation{}, &domain.WriteError{Op: "create conversation", Err: fmt.Errorf("%s already exists", conv.ID)}
	}
	conv.CreatedAt = b.tickLocked()
	b.conversations[conv.ID] = conv
	fns := b.convNotificationsLocked()
	b.mu.Unlock()

	b.dispatch(fns)
	return conv, nil
}

func (b *FakeBackend) MarkRead(ctx context.Context, conversationID, userID string) error {
	b.mu.Lock()
	b.MarkReadCalls = append(b.MarkReadCalls, conversationID)
	c, ok := b.conversations[conversationID]
	if !ok {
		b.mu.Unlock()
		return domain.ErrNotFound
	}
	unread := make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		unread[k] = v
	}
	unread[userID] = 0
	c.Unread = unread
	b.conversations[conversationID] = c
	fns := b.convNotificationsLocked()
	b.mu.Unlock()

	b.dispatch(fns)
	return nil
}

// --- gateway.Presence ---

func (b *FakeBackend) UpsertTyping(ctx context.Context, rec domain.TypingRecord) error {
	return b.publishTyping(rec)
}

// ClearTyping publishes the stop signal carrying the removed record's
// timestamp, as a DELETE notification would.
func (b *FakeBackend) ClearTyping(ctx context.Context, conversationID, userID string) error {
	b.mu.Lock()
	at := b.now
	for _, rec := range slices.Backward(b.typing) {
		if rec.ConversationID == conversationID && rec.UserID == userID {
			at = rec.At
			break
		}
	}
	b.mu.Unlock()
	return b.publishTyping(domain.TypingRecord{ConversationID: conversationID, UserID: userID, At: at})
}

func (b *FakeBackend) publishTyping(rec domain.TypingRecord) error {
	b.mu.Lock()
	if err := pop(&b.typingErrs); err != nil {
		b.mu.Unlock()
		return err
	}
	b.typing = append(b.typing, rec)
	var fns []func()
	for _, s := range b.typingSub {
		if s.conv == rec.ConversationID {
			fn := s.fn
			fns = append(fns, func() { fn(rec) })
		}
	}
	b.mu.Unlock()

	b.dispatch(fns)
	return nil
}

func (b *FakeBackend) SubscribeTyping(ctx context.Context, conversationID string, fn func(domain.TypingRecord)) (gateway.Subscription, error) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.typingSub[id] = &fakeTypingSub{conv: conversationID, fn: fn}
	b.mu.Unlock()

	return gateway.OnceSubscription(func() {
		b.mu.Lock()
		delete(b.typingSub, id)
		b.mu.Unlock()
	}), nil
}

// --- gateway.Profiles ---

func (b *FakeBackend) DisplayName(ctx context.Context, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ProfileCalls++
	name, ok := b.profiles[userID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return name, nil
}

// --- internals ---

func (b *FakeBackend) tickLocked() domain.Timestamp {
	b.now += 1000
	return b.now
}

func (b *FakeBackend) storeLocked(m domain.Message) domain.Message {
	if m.ID == "" {
		b.nextID++
		m.ID = fmt.Sprintf("m%04d", b.nextID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = b.tickLocked()
	} else if m.CreatedAt > b.now {
		b.now = m.CreatedAt
	}
	if m.Kind == "" {
		m.Kind = domain.KindText
	}
	m.Status = domain.StatusConfirmed
	m.TempID = ""

	msgs := b.messages[m.ConversationID]
	i, _ := slices.BinarySearchFunc(msgs, m.Key(), func(e domain.Message, k domain.Key) int {
		switch {
		case e.Key().Less(k):
			return -1
		case k.Less(e.Key()):
			return 1
		}
		return 0
	})
	b.messages[m.ConversationID] = slices.Insert(msgs, i, m)
	return m
}

func (b *FakeBackend) pageLocked(conversationID string, size int, before *domain.Cursor) gateway.Page {
	msgs := b.messages[conversationID]
	end := len(msgs)
	if before != nil {
		end = slices.IndexFunc(msgs, func(m domain.Message) bool { return !m.Key().Less(before.Key()) })
		if end < 0 {
			end = len(msgs)
		}
	}
	start := max(0, end-size)
	page := gateway.Page{
		Messages: cloneMessages(msgs[start:end]),
		HasMore:  start > 0,
	}
	if len(page.Messages) > 0 {
		page.Cursor = domain.CursorOf(page.Messages[0])
	}
	return page
}

func (b *FakeBackend) tailNotificationsLocked(conversationID string) []func() {
	var fns []func()
	for id, t := range b.tails {
		if t.conv != conversationID {
			continue
		}
		window := b.pageLocked(conversationID, t.size, nil).Messages
		fns = append(fns, func() { b.deliverTail(id, window) })
	}
	return fns
}

func (b *FakeBackend) deliverTail(id int, window []domain.Message) {
	b.mu.Lock()
	t, ok := b.tails[id]
	b.mu.Unlock()
	if ok {
		t.onUpdate(window)
	}
}

func (b *FakeBackend) conversationsForLocked(userID string) []domain.Conversation {
	var out []domain.Conversation
	for _, c := range b.conversations {
		if c.HasMember(userID) {
			out = append(out, c)
		}
	}
	return out
}

func (b *FakeBackend) convNotificationsLocked() []func() {
	var fns []func()
	for id, s := range b.convSubs {
		list := b.conversationsForLocked(s.user)
		fns = append(fns, func() { b.deliverConvs(id, list) })
	}
	return fns
}

func (b *FakeBackend) deliverConvs(id int, list []domain.Conversation) {
	b.mu.Lock()
	s, ok := b.convSubs[id]
	b.mu.Unlock()
	if ok {
		s.onUpdate(list)
	}
}

func (b *FakeBackend) dispatch(fns []func()) {
	b.mu.Lock()
	if b.held {
		b.queued = append(b.queued, fns...)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func cloneMessages(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
