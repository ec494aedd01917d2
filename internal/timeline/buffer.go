package timeline

import (
	"slices"

	"github.com/nfrund/chatsync/internal/domain"
)

type localPatch struct {
	token uint64
	patch domain.Patch
	// refreshes is the entry's refresh count when the patch was applied.
	refreshes uint64
	// settled patches were accepted by the backend and are kept only until
	// the next backend state arrives.
	settled bool
}

type entry struct {
	base      domain.Message
	patches   []localPatch
	view      domain.Message
	seq       uint64
	refreshes uint64
}

func (e *entry) recompute() {
	v := e.base.Clone()
	for _, p := range e.patches {
		v = p.patch.Apply(v)
	}
	e.view = v
}

// Buffer holds the messages of one conversation: confirmed messages in
// (CreatedAt, ID) order followed by pending local sends in send order. Every
// message appears at most once; merges are keyed by backend ID, or by temporary
// ID for messages not yet confirmed.
//
// Buffer is not safe for concurrent use.
type Buffer struct {
	confirmed []*entry
	pending   []*entry
	byID      map[string]*entry
	byTemp    map[string]*entry
	seq       uint64
	tokens    uint64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		byID:   make(map[string]*entry),
		byTemp: make(map[string]*entry),
	}
}

// Len reports the number of messages, pending ones included.
func (b *Buffer) Len() int {
	return len(b.confirmed) + len(b.pending)
}

// ConfirmedLen reports the number of confirmed messages.
func (b *Buffer) ConfirmedLen() int {
	return len(b.confirmed)
}

// Messages returns a copy of the buffer contents in display order. Pending
// messages carry a local clock reading, so each is shown no earlier than the
// message before it.
func (b *Buffer) Messages() []domain.Message {
	out := make([]domain.Message, 0, b.Len())
	var floor domain.Timestamp
	for _, e := range b.confirmed {
		out = append(out, e.view.Clone())
		floor = e.view.CreatedAt
	}
	for _, e := range b.pending {
		m := e.view.Clone()
		if m.CreatedAt.Before(floor) {
			m.CreatedAt = floor
		}
		floor = m.CreatedAt
		out = append(out, m)
	}
	return out
}

// Get looks a message up by backend or temporary ID.
func (b *Buffer) Get(id string) (domain.Message, bool) {
	if e, ok := b.byID[id]; ok {
		return e.view.Clone(), true
	}
	if e, ok := b.byTemp[id]; ok {
		return e.view.Clone(), true
	}
	return domain.Message{}, false
}

// Holds reports whether a confirmed message with backend ID id is held.
func (b *Buffer) Holds(id string) bool {
	_, ok := b.byID[id]
	return ok
}

// OldestConfirmed returns the oldest confirmed message.
func (b *Buffer) OldestConfirmed() (domain.Message, bool) {
	if len(b.confirmed) == 0 {
		return domain.Message{}, false
	}
	return b.confirmed[0].view.Clone(), true
}

// MergeTail merges a live window. Known IDs are replaced with the new backend
// state, local patches reapplied on top. An unknown message from self that
// carries a pending send's nonce takes that send's place, so an echo that
// beats the append acknowledgement never shows twice. Returns whether
// anything changed.
func (b *Buffer) MergeTail(window []domain.Message, self string) bool {
	changed := false
	for _, m := range window {
		if m.ID == "" {
			continue
		}
		if e, ok := b.byID[m.ID]; ok {
			if b.refresh(e, m) {
				changed = true
			}
			continue
		}
		if self != "" && m.SenderID == self {
			if e := b.matchPending(m); e != nil {
				b.promote(e, m)
				changed = true
				continue
			}
		}
		b.insertConfirmed(m)
		changed = true
	}
	return changed
}

// Prepend merges an older page, skipping messages already held. It returns how
// many messages were added ahead of the previous oldest one.
func (b *Buffer) Prepend(page []domain.Message) int {
	var oldest *domain.Key
	if len(b.confirmed) > 0 {
		k := b.confirmed[0].base.Key()
		oldest = &k
	}

	added := 0
	for _, m := range page {
		if m.ID == "" {
			continue
		}
		if _, ok := b.byID[m.ID]; ok {
			continue
		}
		b.insertConfirmed(m)
		if oldest == nil || m.Key().Less(*oldest) {
			added++
		}
	}
	return added
}

// InsertPending appends an optimistic message. m must carry a TempID.
func (b *Buffer) InsertPending(m domain.Message) {
	if m.TempID == "" {
		return
	}
	if _, ok := b.byTemp[m.TempID]; ok {
		return
	}
	if m.Status == "" {
		m.Status = domain.StatusSending
	}
	b.seq++
	e := &entry{base: m, seq: b.seq}
	e.recompute()
	b.pending = append(b.pending, e)
	b.byTemp[m.TempID] = e
}

// Confirm reconciles the pending send tempID with its stored form msg.
func (b *Buffer) Confirm(tempID string, msg domain.Message) {
	pendingEntry, isPending := b.pendingByTemp(tempID)

	if existing, ok := b.byID[msg.ID]; ok {
		// The echo got here first.
		if isPending {
			b.removePending(pendingEntry)
			if existing.base.TempID == "" {
				existing.base.TempID = tempID
				existing.recompute()
			}
			b.byTemp[tempID] = existing
		}
		return
	}

	if isPending {
		b.promote(pendingEntry, msg)
		return
	}
	// tempID was already taken by an earlier echo.
	b.insertConfirmed(msg)
}

// MarkFailed flags a pending send as failed, keeping it in place.
func (b *Buffer) MarkFailed(tempID string, err error) bool {
	e, ok := b.pendingByTemp(tempID)
	if !ok {
		return false
	}
	e.base.Status = domain.StatusFailed
	e.base.Err = err
	e.recompute()
	return true
}

// MarkSending flags a failed send as being retried.
func (b *Buffer) MarkSending(tempID string) (domain.Message, bool) {
	e, ok := b.pendingByTemp(tempID)
	if !ok {
		return domain.Message{}, false
	}
	e.base.Status = domain.StatusSending
	e.base.Err = nil
	e.recompute()
	return e.view.Clone(), true
}

// ApplyPatch overlays patch on a confirmed message and returns a token for
// settling or reverting it.
func (b *Buffer) ApplyPatch(messageID string, patch domain.Patch) (uint64, bool) {
	e, ok := b.byID[messageID]
	if !ok {
		return 0, false
	}
	b.tokens++
	e.patches = append(e.patches, localPatch{token: b.tokens, patch: patch, refreshes: e.refreshes})
	e.recompute()
	return b.tokens, true
}

// SettlePatch completes an accepted patch. The backend's result becomes the
// new base unless a newer backend state arrived after the patch was applied;
// then that state is kept and the patch stays on top of it until the next one.
func (b *Buffer) SettlePatch(messageID string, token uint64, result domain.Message) {
	e, ok := b.byID[messageID]
	if !ok {
		return
	}
	i := slices.IndexFunc(e.patches, func(p localPatch) bool { return p.token == token })
	if i < 0 {
		return
	}
	if result.ID == messageID && e.patches[i].refreshes == e.refreshes {
		e.patches = slices.Delete(e.patches, i, i+1)
		if !b.refresh(e, result) {
			e.recompute()
		}
		return
	}
	if result.ID == messageID {
		e.patches[i].settled = true
	} else {
		e.patches = slices.Delete(e.patches, i, i+1)
	}
	e.recompute()
}

// RevertPatch drops the patch, leaving whatever the backend has sent since.
func (b *Buffer) RevertPatch(messageID string, token uint64) {
	e, ok := b.byID[messageID]
	if !ok {
		return
	}
	e.patches = slices.DeleteFunc(e.patches, func(p localPatch) bool { return p.token == token })
	e.recompute()
}

func (b *Buffer) refresh(e *entry, m domain.Message) bool {
	m.TempID = e.base.TempID
	m.Status = domain.StatusConfirmed
	m.Err = nil
	if messagesEqual(e.base, m) {
		return false
	}
	keyChanged := e.base.Key() != m.Key()
	e.base = m
	e.refreshes++
	e.patches = slices.DeleteFunc(e.patches, func(p localPatch) bool { return p.settled })
	e.recompute()
	if keyChanged {
		b.removeConfirmed(e)
		b.placeConfirmed(e)
	}
	return true
}

// matchPending finds the pending send m is the stored form of. Messages that
// carry a nonce match on it alone. Without one, content must match and the
// message must not predate the pending copy.
func (b *Buffer) matchPending(m domain.Message) *entry {
	if m.Nonce != "" {
		for _, e := range b.pending {
			if e.base.Nonce == m.Nonce {
				return e
			}
		}
		return nil
	}
	fp := fingerprint(m)
	for _, e := range b.pending {
		if e.base.Nonce == "" && fingerprint(e.base) == fp && !m.CreatedAt.Before(e.base.CreatedAt) {
			return e
		}
	}
	return nil
}

func (b *Buffer) promote(e *entry, m domain.Message) {
	b.removePending(e)
	m.TempID = e.base.TempID
	m.Status = domain.StatusConfirmed
	m.Err = nil
	e.base = m
	e.recompute()
	b.placeConfirmed(e)
	b.byID[m.ID] = e
	b.byTemp[m.TempID] = e
}

func (b *Buffer) insertConfirmed(m domain.Message) {
	m.TempID = ""
	m.Status = domain.StatusConfirmed
	m.Err = nil
	b.seq++
	e := &entry{base: m, seq: b.seq}
	e.recompute()
	b.placeConfirmed(e)
	b.byID[m.ID] = e
}

func (b *Buffer) placeConfirmed(e *entry) {
	k := e.base.Key()
	i, _ := slices.BinarySearchFunc(b.confirmed, k, func(x *entry, k domain.Key) int {
		switch xk := x.base.Key(); {
		case xk.Less(k):
			return -1
		case k.Less(xk):
			return 1
		}
		return 0
	})
	b.confirmed = slices.Insert(b.confirmed, i, e)
}

func (b *Buffer) removeConfirmed(e *entry) {
	b.confirmed = slices.DeleteFunc(b.confirmed, func(x *entry) bool { return x == e })
}

func (b *Buffer) removePending(e *entry) {
	b.pending = slices.DeleteFunc(b.pending, func(x *entry) bool { return x == e })
}

func (b *Buffer) pendingByTemp(tempID string) (*entry, bool) {
	e, ok := b.byTemp[tempID]
	if !ok || !slices.Contains(b.pending, e) {
		return nil, false
	}
	return e, true
}

type contentKey struct {
	sender     string
	kind       domain.MessageKind
	text       string
	attachment string
}

func fingerprint(m domain.Message) contentKey {
	return contentKey{sender: m.SenderID, kind: m.Kind, text: m.Body.Text, attachment: m.Body.Attachment}
}

func messagesEqual(a, b domain.Message) bool {
	if a.ID != b.ID || a.CreatedAt != b.CreatedAt || a.Body != b.Body || a.Kind != b.Kind ||
		a.SenderID != b.SenderID || a.SenderName != b.SenderName || a.Reported != b.Reported ||
		a.ConversationID != b.ConversationID || a.Nonce != b.Nonce {
		return false
	}
	if (a.EditedAt == nil) != (b.EditedAt == nil) || (a.EditedAt != nil && *a.EditedAt != *b.EditedAt) {
		return false
	}
	if len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for emoji, users := range a.Reactions {
		if !slices.Equal(users, b.Reactions[emoji]) {
			return false
		}
	}
	return true
}
