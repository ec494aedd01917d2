package domain

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxBodyLength bounds the text of a single message.
const MaxBodyLength = 4000

// validatorInstance is shared so that struct metadata is cached once.
var validatorInstance = validator.New()

func init() {
	_ = validatorInstance.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// Draft is a message the local user wants to append.
type Draft struct {
	ConversationID string      `json:"conversation_id" validate:"required"`
	SenderID       string      `json:"sender_id" validate:"required"`
	SenderName     string      `json:"sender_name"`
	Text           string      `json:"text" validate:"omitempty,notblank,max=4000"`
	Attachment     string      `json:"attachment" validate:"omitempty,uri"`
	Kind           MessageKind `json:"kind" validate:"required,oneof=text image system"`
	// Nonce is stored with the message so its echo can be matched to the
	// optimistic copy.
	Nonce string `json:"nonce,omitempty" validate:"max=64"`
}

// Validate checks the draft before it is shown optimistically.
func (d Draft) Validate() error {
	if d.Text == "" && d.Attachment == "" {
		return ErrEmptyBody
	}
	return validatorInstance.Struct(d)
}

// ErrEmptyBody is returned for drafts with neither text nor attachment.
var ErrEmptyBody = errors.New("message body is empty")

// Body returns the draft content as a message body.
func (d Draft) Body() Body {
	return Body{Text: d.Text, Attachment: d.Attachment}
}

// DraftOf extracts the draft that produced m.
func DraftOf(m Message) Draft {
	return Draft{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Text:           m.Body.Text,
		Attachment:     m.Body.Attachment,
		Kind:           m.Kind,
		Nonce:          m.Nonce,
	}
}
