package directory

import (
	"context"
	"strings"

	"wapp/apperr"
	"wapp/auth"
	"wapp/models"
	"wapp/notify"
	"wapp/store"
)

// Snapshot is everything a client shows on its contacts screen.
type Snapshot struct {
	User     *models.User   `json:"user"`
	Contacts []models.User  `json:"contacts"`
	Groups   []models.Group `json:"groups"`
	AdminOf  []models.Group `json:"adminOf"`
}

func validIdentity(identity string) bool {
	digits := strings.TrimPrefix(identity, "+")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Register creates the user and its empty contact record together.
func (d *Directory) Register(ctx context.Context, name, mobile, password string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || password == "" {
		return nil, apperr.Validation("name and password are required")
	}
	if !validIdentity(mobile) {
		return nil, apperr.Validation("mobile must be a phone number")
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStore, err, "hashing password")
	}

	defer d.lockContacts(mobile)()

	u := &models.User{Mobile: mobile, Name: name, Password: hashed}
	err = d.store.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.Users().Insert(ctx, u); err != nil {
			if apperr.KindOf(err) == apperr.KindConflict {
				return apperr.Newf(apperr.KindConflict, "mobile %s is already registered", mobile)
			}
			return err
		}
		return tx.Contacts().Insert(ctx, &models.Contact{Identity: mobile, Contacts: []string{}, MemberOf: []string{}})
	})
	if err != nil {
		return nil, err
	}

	d.log.Info(`user registered`, mobile)
	return u, nil
}

// Login checks the credentials. An unknown mobile is NotFound, a wrong
// password is an Authorization error.
func (d *Directory) Login(ctx context.Context, mobile, password string) (*models.User, error) {
	if mobile == "" || password == "" {
		return nil, apperr.Validation("mobile and password are required")
	}
	u, err := d.store.Users().Find(ctx, mobile)
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.Password, password) {
		return nil, apperr.Authorization("invalid credentials")
	}
	return u, nil
}

// EditProfile changes the user's name and/or picture and tells its contacts.
func (d *Directory) EditProfile(ctx context.Context, identity string, name *string, image *models.Media) (*models.User, []notify.Notification, error) {
	if name == nil && image == nil {
		return nil, nil, apperr.Validation("nothing to change")
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return nil, nil, apperr.Validation("name cannot be empty")
	}

	defer d.lockContacts(identity)()

	var (
		user     *models.User
		audience []string
	)
	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		u, err := tx.Users().Find(ctx, identity)
		if err != nil {
			return err
		}
		if name != nil {
			u.Name = strings.TrimSpace(*name)
		}
		if image != nil {
			u.Image = image
		}
		if err := tx.Users().Update(ctx, u); err != nil {
			return err
		}

		c, err := tx.Contacts().Find(ctx, identity)
		if err != nil {
			return err
		}
		user = u
		audience = append([]string{identity}, c.Contacts...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return user, notify.To(notify.ContactOrGroupChanged, audience...), nil
}

// AddContact links owner and other on both sides.
func (d *Directory) AddContact(ctx context.Context, owner, other string) ([]notify.Notification, error) {
	if owner == "" || other == "" {
		return nil, apperr.Validation("both identities are required")
	}
	if owner == other {
		return nil, apperr.Validation("cannot add yourself as a contact")
	}

	defer d.lockContacts(owner, other)()

	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		a, err := tx.Contacts().Find(ctx, owner)
		if err != nil {
			return err
		}
		b, err := tx.Contacts().Find(ctx, other)
		if err != nil {
			return err
		}
		if models.Contains(a.Contacts, other) {
			return apperr.Newf(apperr.KindConflict, "%s is already a contact of %s", other, owner)
		}

		a.Contacts = append(a.Contacts, other)
		if !models.Contains(b.Contacts, owner) {
			b.Contacts = append(b.Contacts, owner)
		}
		if err := tx.Contacts().Update(ctx, a); err != nil {
			return err
		}
		return tx.Contacts().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	d.log.Debug(`contact added`, owner, other)
	return notify.To(notify.ContactOrGroupChanged, owner, other), nil
}

// RemoveContact unlinks owner and other on both sides.
func (d *Directory) RemoveContact(ctx context.Context, owner, other string) ([]notify.Notification, error) {
	if owner == "" || other == "" {
		return nil, apperr.Validation("both identities are required")
	}

	defer d.lockContacts(owner, other)()

	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		a, err := tx.Contacts().Find(ctx, owner)
		if err != nil {
			return err
		}
		if !models.Contains(a.Contacts, other) {
			return apperr.Newf(apperr.KindNotFound, "%s is not a contact of %s", other, owner)
		}
		a.Contacts = models.Without(a.Contacts, other)
		if err := tx.Contacts().Update(ctx, a); err != nil {
			return err
		}

		b, err := tx.Contacts().Find(ctx, other)
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		b.Contacts = models.Without(b.Contacts, owner)
		return tx.Contacts().Update(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	d.log.Debug(`contact removed`, owner, other)
	return notify.To(notify.ContactOrGroupChanged, owner, other), nil
}

// Contact returns the raw contact record of identity.
func (d *Directory) Contact(ctx context.Context, identity string) (*models.Contact, error) {
	return d.store.Contacts().Find(ctx, identity)
}

// Snapshot resolves identity's contacts and group memberships.
func (d *Directory) Snapshot(ctx context.Context, identity string) (*Snapshot, error) {
	u, err := d.store.Users().Find(ctx, identity)
	if err != nil {
		return nil, err
	}
	c, err := d.store.Contacts().Find(ctx, identity)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		User:     u,
		Contacts: []models.User{},
		Groups:   []models.Group{},
		AdminOf:  []models.Group{},
	}
	for _, other := range c.Contacts {
		p, err := d.store.Users().Find(ctx, other)
		if apperr.KindOf(err) == apperr.KindNotFound {
			d.log.Warn(`contact without user record`, identity, other)
			continue
		}
		if err != nil {
			return nil, err
		}
		snap.Contacts = append(snap.Contacts, *p)
	}

	groups, err := d.resolveGroups(ctx, c.MemberOf)
	if err != nil {
		return nil, err
	}
	snap.Groups = groups
	for _, g := range groups {
		if g.Admin == identity {
			snap.AdminOf = append(snap.AdminOf, g)
		}
	}
	return snap, nil
}
