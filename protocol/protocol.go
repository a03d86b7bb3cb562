// Package protocol decodes the frames clients send over the websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"wapp/models"
	"wapp/router"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownKind     = errors.New("unknown envelope kind")
)

type Kind string

const (
	KindBind          Kind = "Bind"
	KindPersonMessage Kind = "PersonMessage"
	KindGroupMessage  Kind = "GroupMessage"
)

type Attachment struct {
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName,omitempty"`
	Data        []byte `json:"data"` // base64 on the wire
}

type Content struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Envelope is one inbound frame. Which fields matter depends on Kind; any
// timestamp a client sends is ignored.
type Envelope struct {
	Kind              Kind             `json:"kind"`
	Token             string           `json:"token,omitempty"`
	SenderIdentity    string           `json:"senderIdentity,omitempty"`
	SenderDisplayName string           `json:"senderDisplayName,omitempty"`
	RecipientIdentity string           `json:"recipientIdentity,omitempty"`
	GroupRef          *router.GroupRef `json:"groupRef,omitempty"`
	Content           Content          `json:"content"`
}

// Parse decodes a frame and checks the fields its kind requires.
func Parse(frame []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Kind {
	case KindBind:
		if env.Token == "" {
			return nil, fmt.Errorf("%w: bind without token", ErrInvalidEnvelope)
		}
	case KindPersonMessage:
		if env.SenderIdentity == "" || env.RecipientIdentity == "" {
			return nil, fmt.Errorf("%w: person message needs sender and recipient", ErrInvalidEnvelope)
		}
	case KindGroupMessage:
		ref := env.GroupRef
		if env.SenderIdentity == "" || ref == nil || ref.ID == "" || ref.Name == "" || ref.Admin == "" {
			return nil, fmt.Errorf("%w: group message needs sender and a complete group reference", ErrInvalidEnvelope)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	return &env, nil
}

func (c Content) routed() router.Content {
	out := router.Content{Text: c.Text}
	if c.Attachment != nil {
		out.Attachment = &models.Media{
			ContentType: c.Attachment.ContentType,
			FileName:    c.Attachment.FileName,
			Data:        c.Attachment.Data,
		}
	}
	return out
}

func (e *Envelope) PersonMessage() router.PersonMessage {
	return router.PersonMessage{
		Sender:     e.SenderIdentity,
		SenderName: e.SenderDisplayName,
		Recipient:  e.RecipientIdentity,
		Content:    e.Content.routed(),
	}
}

func (e *Envelope) GroupMessage() router.GroupMessage {
	msg := router.GroupMessage{
		Sender:     e.SenderIdentity,
		SenderName: e.SenderDisplayName,
		Content:    e.Content.routed(),
	}
	if e.GroupRef != nil {
		msg.Group = *e.GroupRef
	}
	return msg
}
