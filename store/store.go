// Package store declares the persistence contracts consumed by the directories
// and the message router. The sqlite implementation lives in package db.
//
// Every method reports a missing record with an apperr NotFound error, a
// duplicate key with Conflict, and any other failure with Store.
package store

import (
	"context"

	"wapp/models"
)

type UserStore interface {
	All(ctx context.Context) ([]models.User, error)
	Find(ctx context.Context, mobile string) (*models.User, error)
	Insert(ctx context.Context, u *models.User) error
	Update(ctx context.Context, u *models.User) error
	Delete(ctx context.Context, mobile string) error
}

type ContactStore interface {
	All(ctx context.Context) ([]models.Contact, error)
	Find(ctx context.Context, identity string) (*models.Contact, error)
	Insert(ctx context.Context, c *models.Contact) error
	// Update replaces both the contact list and the memberOf list.
	Update(ctx context.Context, c *models.Contact) error
	Delete(ctx context.Context, identity string) error
}

type GroupStore interface {
	All(ctx context.Context) ([]models.Group, error)
	Find(ctx context.Context, id string) (*models.Group, error)
	Insert(ctx context.Context, g *models.Group) error
	Update(ctx context.Context, g *models.Group) error
	Delete(ctx context.Context, id string) error
}

type ChatStore interface {
	// Conversation returns the messages stored under key, oldest first.
	Conversation(ctx context.Context, key string) ([]models.Message, error)
	Insert(ctx context.Context, m *models.Message) error
	// Delete removes the listed messages from one conversation and returns how
	// many were removed.
	Delete(ctx context.Context, key string, ids []string) (int64, error)
	DeleteConversation(ctx context.Context, key string) error
}

// Tx exposes the four stores bound to a single transaction.
type Tx interface {
	Users() UserStore
	Contacts() ContactStore
	Groups() GroupStore
	Chats() ChatStore
}

// Store is the root collaborator. Reads outside Atomic see committed state only.
type Store interface {
	Tx
	// Atomic runs fn in one transaction: every write fn makes is committed
	// together, or none is when fn returns an error.
	Atomic(ctx context.Context, fn func(tx Tx) error) error
	// Reset drops every stored record.
	Reset(ctx context.Context) error
}
