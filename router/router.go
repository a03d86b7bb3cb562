// Package router accepts person and group messages from bound connections,
// persists each one exactly once under its canonical conversation key and
// works out who has to be told.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tryfix/log"

	"wapp/apperr"
	"wapp/models"
	"wapp/notify"
	"wapp/store"
)

// GroupRef is how a client addresses a group. All three fields are required;
// only ID is used to resolve it.
type GroupRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Admin string `json:"adminIdentity"`
}

type Content struct {
	Text       string        `json:"text,omitempty"`
	Attachment *models.Media `json:"attachment,omitempty"`
}

func (c Content) empty() bool {
	return strings.TrimSpace(c.Text) == "" && (c.Attachment == nil || len(c.Attachment.Data) == 0)
}

type PersonMessage struct {
	Sender     string
	SenderName string
	Recipient  string
	Content    Content
}

type GroupMessage struct {
	Sender     string
	SenderName string
	Group      GroupRef
	Content    Content
}

type Router struct {
	store store.Store
	log   log.Logger
	now   func() time.Time
	newID func() string
}

func New(st store.Store, logger log.Logger) *Router {
	return &Router{
		store: st,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// authorize enforces the binding rule: the connection must be bound and the
// declared sender must be the bound identity.
func authorize(bound, sender string) error {
	if bound == "" {
		return apperr.Authorization("connection is not bound to an identity")
	}
	if sender != bound {
		return apperr.Newf(apperr.KindAuthorization, "sender %s does not match bound identity %s", sender, bound)
	}
	return nil
}

// RoutePerson persists a direct message and returns the notifications for
// both participants. bound is the identity of the submitting connection, or
// "" when it never bound.
func (r *Router) RoutePerson(ctx context.Context, bound string, msg PersonMessage) (*models.Message, []notify.Notification, error) {
	if err := authorize(bound, msg.Sender); err != nil {
		return nil, nil, err
	}
	if msg.Sender == "" || msg.Recipient == "" {
		return nil, nil, apperr.Validation("sender and recipient are required")
	}
	if msg.Content.empty() {
		return nil, nil, apperr.Validation("message has no content")
	}

	m := &models.Message{
		ID:           r.newID(),
		Conversation: models.PersonConversation(msg.Sender, msg.Recipient),
		Sender:       msg.Sender,
		SenderName:   msg.SenderName,
		Recipient:    msg.Recipient,
		Text:         msg.Content.Text,
		Attachment:   msg.Content.Attachment,
		Timestamp:    r.now().UTC(),
	}

	err := r.store.Atomic(ctx, func(tx store.Tx) error {
		if _, err := tx.Users().Find(ctx, msg.Recipient); err != nil {
			return err
		}
		return tx.Chats().Insert(ctx, m)
	})
	if err != nil {
		return nil, nil, err
	}

	r.log.Debug(`person message stored`, m.ID, m.Conversation)
	return m, notify.To(notify.NewPersonMessage, msg.Sender, msg.Recipient), nil
}

// RouteGroup persists a group message under the group's id and returns one
// notification per member at send time. The sender has to be a member.
func (r *Router) RouteGroup(ctx context.Context, bound string, msg GroupMessage) (*models.Message, []notify.Notification, error) {
	if err := authorize(bound, msg.Sender); err != nil {
		return nil, nil, err
	}
	if msg.Group.ID == "" || msg.Group.Name == "" || msg.Group.Admin == "" {
		return nil, nil, apperr.Validation("group reference needs id, name and admin")
	}
	if msg.Content.empty() {
		return nil, nil, apperr.Validation("message has no content")
	}

	m := &models.Message{
		ID:           r.newID(),
		Conversation: models.GroupConversation(msg.Group.ID),
		Sender:       msg.Sender,
		SenderName:   msg.SenderName,
		GroupID:      msg.Group.ID,
		Text:         msg.Content.Text,
		Attachment:   msg.Content.Attachment,
		Timestamp:    r.now().UTC(),
	}

	var members []string
	err := r.store.Atomic(ctx, func(tx store.Tx) error {
		g, err := tx.Groups().Find(ctx, msg.Group.ID)
		if err != nil {
			return err
		}
		// Stricter than resolving the ref: only current members may post.
		if !models.Contains(g.Members, msg.Sender) {
			return apperr.Newf(apperr.KindAuthorization, "%s is not a member of %s", msg.Sender, g.ID)
		}
		members = g.Members
		return tx.Chats().Insert(ctx, m)
	})
	if err != nil {
		return nil, nil, err
	}

	r.log.Debug(`group message stored`, m.ID, m.Conversation, len(members))
	return m, notify.To(notify.NewGroupMessage, members...), nil
}

// PersonConversation returns the history of a and b in storage order. The
// requester must be one of them.
func (r *Router) PersonConversation(ctx context.Context, requester, a, b string) ([]models.Message, error) {
	if a == "" || b == "" {
		return nil, apperr.Validation("both identities are required")
	}
	if requester != a && requester != b {
		return nil, apperr.Authorization("not a participant of this conversation")
	}
	return r.store.Chats().Conversation(ctx, models.PersonConversation(a, b))
}

// GroupConversation returns a group's history. The requester must be a member.
func (r *Router) GroupConversation(ctx context.Context, requester, groupID string) ([]models.Message, error) {
	g, err := r.store.Groups().Find(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !models.Contains(g.Members, requester) {
		return nil, apperr.Authorization("not a member of this group")
	}
	return r.store.Chats().Conversation(ctx, models.GroupConversation(groupID))
}

// DeletePersonMessages removes messages by id from the conversation of a and
// b and tells both participants.
func (r *Router) DeletePersonMessages(ctx context.Context, requester, a, b string, ids []string) (int64, []notify.Notification, error) {
	if a == "" || b == "" {
		return 0, nil, apperr.Validation("both identities are required")
	}
	if requester != a && requester != b {
		return 0, nil, apperr.Authorization("not a participant of this conversation")
	}
	n, err := r.deleteMessages(ctx, models.PersonConversation(a, b), ids)
	if err != nil {
		return 0, nil, err
	}
	return n, notify.To(notify.NewPersonMessage, a, b), nil
}

// DeleteGroupMessages removes messages by id from a group's history and tells
// every member.
func (r *Router) DeleteGroupMessages(ctx context.Context, requester, groupID string, ids []string) (int64, []notify.Notification, error) {
	g, err := r.store.Groups().Find(ctx, groupID)
	if err != nil {
		return 0, nil, err
	}
	if !models.Contains(g.Members, requester) {
		return 0, nil, apperr.Authorization("not a member of this group")
	}
	n, err := r.deleteMessages(ctx, models.GroupConversation(groupID), ids)
	if err != nil {
		return 0, nil, err
	}
	return n, notify.To(notify.NewGroupMessage, g.Members...), nil
}

func (r *Router) deleteMessages(ctx context.Context, key string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, apperr.Validation("no message ids given")
	}
	var n int64
	err := r.store.Atomic(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.Chats().Delete(ctx, key, ids)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, apperr.NotFound("none of the messages exist in this conversation")
	}
	r.log.Debug(`messages deleted`, key, n)
	return n, nil
}
