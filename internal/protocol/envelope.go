// Package protocol defines the envelope exchanged between relay clients and
// the server once a connection's encrypted channel is established.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the envelope type.
type Kind string

const (
	// KindMessage is a chat message carrying free-text content.
	KindMessage Kind = "message"

	// KindCommand is a command with a name and an argument string.
	KindCommand Kind = "command"
)

// ErrMalformed is wrapped by every envelope decode and validation failure.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the unit exchanged after the handshake.
//
// Wire format is a JSON object:
//
//	type          "message" | "command"
//	content       present iff type is message
//	command       present iff type is command
//	command_args  present iff type is command
//	author        sender nickname
//	author_id     sender identity
//	recipient     receiver nickname, set by the server on delivery
//	recipient_id  receiver identity, set by the server on delivery
//	private       optional, true if only the receiver should see it
//
// Unknown fields are ignored.
type Envelope struct {
	Kind        Kind
	Content     string
	Command     string
	CommandArgs string
	Author      string
	AuthorID    uint64
	Recipient   string
	RecipientID uint64
	Private     bool
}

// wireEnvelope distinguishes absent fields from empty ones.
type wireEnvelope struct {
	Type        *string `json:"type"`
	Content     *string `json:"content,omitempty"`
	Command     *string `json:"command,omitempty"`
	CommandArgs *string `json:"command_args,omitempty"`
	Author      string  `json:"author"`
	AuthorID    uint64  `json:"author_id"`
	Recipient   string  `json:"recipient"`
	RecipientID uint64  `json:"recipient_id"`
	Private     bool    `json:"private,omitempty"`
}

// NewMessage creates a message envelope.
func NewMessage(content string) *Envelope {
	return &Envelope{Kind: KindMessage, Content: content}
}

// NewCommand creates a command envelope.
func NewCommand(name, args string) *Envelope {
	return &Envelope{Kind: KindCommand, Command: name, CommandArgs: args}
}

// Validate checks that the envelope has a known kind.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindMessage, KindCommand:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, e.Kind)
	}
}

// Clone returns a copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	return &c
}

// Encode serializes the envelope. Only the payload fields for its kind are
// written.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	kind := string(e.Kind)
	w := wireEnvelope{
		Type:        &kind,
		Author:      e.Author,
		AuthorID:    e.AuthorID,
		Recipient:   e.Recipient,
		RecipientID: e.RecipientID,
		Private:     e.Private,
	}

	switch e.Kind {
	case KindMessage:
		content := e.Content
		w.Content = &content
	case KindCommand:
		command, args := e.Command, e.CommandArgs
		w.Command = &command
		w.CommandArgs = &args
	}

	data, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope, rejecting unknown types and missing payload
// fields. Author and recipient fields are optional.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	e := &Envelope{
		Kind:        Kind(*w.Type),
		Author:      w.Author,
		AuthorID:    w.AuthorID,
		Recipient:   w.Recipient,
		RecipientID: w.RecipientID,
		Private:     w.Private,
	}

	switch e.Kind {
	case KindMessage:
		if w.Content == nil {
			return nil, fmt.Errorf("%w: message without content", ErrMalformed)
		}
		e.Content = *w.Content
	case KindCommand:
		if w.Command == nil {
			return nil, fmt.Errorf("%w: command without name", ErrMalformed)
		}
		if w.CommandArgs == nil {
			return nil, fmt.Errorf("%w: command without command_args", ErrMalformed)
		}
		e.Command = *w.Command
		e.CommandArgs = *w.CommandArgs
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, *w.Type)
	}

	return e, nil
}

// String returns a short description for logs.
func (e *Envelope) String() string {
	switch e.Kind {
	case KindMessage:
		return fmt.Sprintf("message from %s(%d) to %s(%d)", e.Author, e.AuthorID, e.Recipient, e.RecipientID)
	case KindCommand:
		return fmt.Sprintf("command %q from %s(%d)", e.Command, e.Author, e.AuthorID)
	default:
		return fmt.Sprintf("envelope type %q", e.Kind)
	}
}
