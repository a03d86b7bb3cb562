package db

import (
	"context"

	"wapp/apperr"
	"wapp/models"
)

type contactStore struct {
	*scope
}

func (s *contactStore) All(ctx context.Context) ([]models.Contact, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT identity FROM contact_records ORDER BY identity")
	if err != nil {
		return nil, storeErr(err, "listing contacts")
	}
	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, storeErr(err, "scanning contact")
		}
		identities = append(identities, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "listing contacts")
	}

	contacts := make([]models.Contact, 0, len(identities))
	for _, id := range identities {
		c, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, nil
}

func (s *contactStore) Find(ctx context.Context, identity string) (*models.Contact, error) {
	var id string
	err := s.q.QueryRowContext(ctx, "SELECT identity FROM contact_records WHERE identity = ?", identity).Scan(&id)
	if err != nil {
		return nil, storeErr(err, "contact "+identity)
	}
	return s.load(ctx, identity)
}

func (s *contactStore) load(ctx context.Context, identity string) (*models.Contact, error) {
	contacts, err := s.list(ctx, "SELECT contact FROM contacts WHERE owner = ? ORDER BY position", identity)
	if err != nil {
		return nil, err
	}
	memberOf, err := s.list(ctx, "SELECT group_id FROM member_of WHERE member = ? ORDER BY position", identity)
	if err != nil {
		return nil, err
	}
	return &models.Contact{Identity: identity, Contacts: contacts, MemberOf: memberOf}, nil
}

func (s *contactStore) list(ctx context.Context, query, key string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, query, key)
	if err != nil {
		return nil, storeErr(err, "loading contact "+key)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, storeErr(err, "loading contact "+key)
		}
		out = append(out, v)
	}
	return out, storeErr(rows.Err(), "loading contact "+key)
}

func (s *contactStore) Insert(ctx context.Context, c *models.Contact) error {
	if _, err := s.q.ExecContext(ctx, "INSERT INTO contact_records (identity) VALUES (?)", c.Identity); err != nil {
		return storeErr(err, "inserting contact "+c.Identity)
	}
	return s.writeLists(ctx, c)
}

func (s *contactStore) Update(ctx context.Context, c *models.Contact) error {
	var id string
	err := s.q.QueryRowContext(ctx, "SELECT identity FROM contact_records WHERE identity = ?", c.Identity).Scan(&id)
	if err != nil {
		return storeErr(err, "contact "+c.Identity)
	}
	if err := s.clearLists(ctx, c.Identity); err != nil {
		return err
	}
	return s.writeLists(ctx, c)
}

func (s *contactStore) Delete(ctx context.Context, identity string) error {
	if err := s.clearLists(ctx, identity); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM contact_records WHERE identity = ?", identity)
	if err != nil {
		return storeErr(err, "deleting contact "+identity)
	}
	return affected(res, "contact "+identity)
}

func (s *contactStore) clearLists(ctx context.Context, identity string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM contacts WHERE owner = ?", identity); err != nil {
		return storeErr(err, "clearing contacts of "+identity)
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM member_of WHERE member = ?", identity); err != nil {
		return storeErr(err, "clearing memberships of "+identity)
	}
	return nil
}

func (s *contactStore) writeLists(ctx context.Context, c *models.Contact) error {
	for i, other := range c.Contacts {
		if other == c.Identity {
			return apperr.Newf(apperr.KindValidation, "contact list of %s references itself", c.Identity)
		}
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO contacts (owner, contact, position) VALUES (?, ?, ?)", c.Identity, other, i,
		); err != nil {
			return storeErr(err, "writing contacts of "+c.Identity)
		}
	}
	for i, groupID := range c.MemberOf {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO member_of (member, group_id, position) VALUES (?, ?, ?)", c.Identity, groupID, i,
		); err != nil {
			return storeErr(err, "writing memberships of "+c.Identity)
		}
	}
	return nil
}
