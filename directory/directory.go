// Package directory owns contact and group records and the mutation protocols
// that keep both sides of every relationship symmetric:
//
//	B in A.Contacts  <=>  A in B.Contacts
//	M in G.Members   <=>  G.ID in M.MemberOf
//
// Each mutation holds the keyed locks of every record it rewrites and runs in
// one store transaction, then returns the notifications its callers should
// publish. Nothing in here talks to a transport.
package directory

import (
	"time"

	"github.com/google/uuid"
	"github.com/tryfix/log"

	"wapp/lockset"
	"wapp/store"
)

type Directory struct {
	store store.Store
	locks *lockset.Set
	log   log.Logger
	now   func() time.Time
	newID func() string
}

func New(st store.Store, locks *lockset.Set, logger log.Logger) *Directory {
	return &Directory{
		store: st,
		locks: locks,
		log:   logger,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func groupKey(id string) string {
	return "group:" + id
}

func contactKeys(identities ...string) []string {
	keys := make([]string, 0, len(identities))
	for _, id := range identities {
		keys = append(keys, "contact:"+id)
	}
	return keys
}

// lockGroup takes a group key and then the contact keys of identities. A
// group key is never requested while contact keys are held.
func (d *Directory) lockGroup(groupID string, identities ...string) func() {
	unlockGroup := d.locks.Lock(groupKey(groupID))
	unlockContacts := d.locks.Lock(contactKeys(identities...)...)
	return func() {
		unlockContacts()
		unlockGroup()
	}
}

func (d *Directory) lockContacts(identities ...string) func() {
	return d.locks.Lock(contactKeys(identities...)...)
}
