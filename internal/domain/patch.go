package domain

import "fmt"

// PatchKind selects what a Patch changes.
type PatchKind string

const (
	PatchEdit    PatchKind = "edit"
	PatchReact   PatchKind = "react"
	PatchUnreact PatchKind = "unreact"
)

// Patch is a partial update to a message. The backend applies it atomically.
type Patch struct {
	Kind   PatchKind `json:"kind"`
	Text   string    `json:"text,omitempty"`
	Emoji  string    `json:"emoji,omitempty"`
	UserID string    `json:"user_id"`
}

// EditPatch replaces the text body.
func EditPatch(userID, text string) Patch {
	return Patch{Kind: PatchEdit, Text: text, UserID: userID}
}

// ReactPatch adds userID's emoji reaction.
func ReactPatch(userID, emoji string) Patch {
	return Patch{Kind: PatchReact, Emoji: emoji, UserID: userID}
}

// UnreactPatch removes userID's emoji reaction.
func UnreactPatch(userID, emoji string) Patch {
	return Patch{Kind: PatchUnreact, Emoji: emoji, UserID: userID}
}

// Validate checks that the patch carries what its kind needs.
func (p Patch) Validate() error {
	if p.UserID == "" {
		return fmt.Errorf("patch %s: user is required", p.Kind)
	}
	switch p.Kind {
	case PatchEdit:
		if p.Text == "" {
			return fmt.Errorf("patch edit: text is required")
		}
	case PatchReact, PatchUnreact:
		if p.Emoji == "" {
			return fmt.Errorf("patch %s: emoji is required", p.Kind)
		}
	default:
		return fmt.Errorf("unknown patch kind %q", p.Kind)
	}
	return nil
}

// Apply returns a copy of m with the patch applied. Reaction patches are set
// operations, so concurrent reactions from different users commute.
func (p Patch) Apply(m Message) Message {
	out := m.Clone()
	switch p.Kind {
	case PatchEdit:
		out.Body.Text = p.Text
	case PatchReact:
		out.AddReaction(p.Emoji, p.UserID)
	case PatchUnreact:
		out.RemoveReaction(p.Emoji, p.UserID)
	}
	return out
}
