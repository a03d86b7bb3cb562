package directory

import (
	"context"
	"strings"

	"wapp/apperr"
	"wapp/models"
	"wapp/notify"
	"wapp/store"
)

// CreateGroup makes admin the first member, unions in members and records the
// new group id in every member's memberOf. Several groups may share a name.
func (d *Directory) CreateGroup(ctx context.Context, admin, name string, members []string, image *models.Media) (*models.Group, []notify.Notification, error) {
	name = strings.TrimSpace(name)
	if admin == "" || name == "" {
		return nil, nil, apperr.Validation("group admin and name are required")
	}

	all := []string{admin}
	for _, m := range members {
		if m != "" && !models.Contains(all, m) {
			all = append(all, m)
		}
	}

	g := &models.Group{
		ID:      d.newID(),
		Name:    name,
		Admin:   admin,
		Members: all,
		Image:   image,
		Created: d.now().UTC(),
	}

	defer d.lockContacts(all...)()

	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		for _, m := range all {
			c, err := tx.Contacts().Find(ctx, m)
			if err != nil {
				return err
			}
			c.MemberOf = append(c.MemberOf, g.ID)
			if err := tx.Contacts().Update(ctx, c); err != nil {
				return err
			}
		}
		return tx.Groups().Insert(ctx, g)
	})
	if err != nil {
		return nil, nil, err
	}

	d.log.Info(`group created`, g.ID, admin, len(all))
	return g, notify.To(notify.ContactOrGroupChanged, all...), nil
}

// ToggleMembership adds member to the group when absent and removes it when
// present. Only the admin may toggle, and never itself.
func (d *Directory) ToggleMembership(ctx context.Context, groupID, requester, member string) (g *models.Group, joined bool, ns []notify.Notification, err error) {
	if groupID == "" || member == "" {
		return nil, false, nil, apperr.Validation("group id and member are required")
	}

	defer d.lockGroup(groupID, member)()

	err = d.store.Atomic(ctx, func(tx store.Tx) error {
		group, err := tx.Groups().Find(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Admin != requester {
			return apperr.Authorization("only the group admin can change its members")
		}
		if member == group.Admin {
			return apperr.Validation("the admin cannot be toggled out of its own group")
		}
		c, err := tx.Contacts().Find(ctx, member)
		if err != nil {
			return err
		}

		if models.Contains(group.Members, member) {
			group.Members = models.Without(group.Members, member)
			c.MemberOf = models.Without(c.MemberOf, groupID)
		} else {
			group.Members = append(group.Members, member)
			if !models.Contains(c.MemberOf, groupID) {
				c.MemberOf = append(c.MemberOf, groupID)
			}
			joined = true
		}

		if err := tx.Groups().Update(ctx, group); err != nil {
			return err
		}
		if err := tx.Contacts().Update(ctx, c); err != nil {
			return err
		}
		g = group
		return nil
	})
	if err != nil {
		return nil, false, nil, err
	}

	d.log.Debug(`group membership toggled`, groupID, member, joined)
	return g, joined, notify.To(notify.ContactOrGroupChanged, append([]string{member}, g.Members...)...), nil
}

// LeaveGroup removes member from the group on both sides. Any member may
// leave except the admin, which has to delete the group instead.
func (d *Directory) LeaveGroup(ctx context.Context, groupID, member string) ([]notify.Notification, error) {
	if groupID == "" || member == "" {
		return nil, apperr.Validation("group id and member are required")
	}

	defer d.lockGroup(groupID, member)()

	var remaining []string
	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		group, err := tx.Groups().Find(ctx, groupID)
		if err != nil {
			return err
		}
		if !models.Contains(group.Members, member) {
			return apperr.Newf(apperr.KindNotFound, "%s is not a member of %s", member, groupID)
		}
		if member == group.Admin {
			return apperr.Validation("the admin cannot leave the group, delete it instead")
		}
		c, err := tx.Contacts().Find(ctx, member)
		if err != nil {
			return err
		}

		group.Members = models.Without(group.Members, member)
		c.MemberOf = models.Without(c.MemberOf, groupID)
		if err := tx.Groups().Update(ctx, group); err != nil {
			return err
		}
		if err := tx.Contacts().Update(ctx, c); err != nil {
			return err
		}
		remaining = group.Members
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Debug(`member left group`, groupID, member)
	return notify.To(notify.ContactOrGroupChanged, append([]string{member}, remaining...)...), nil
}

// DeleteGroup removes the group, its history and every member's reference to
// it in one transaction. Only the admin may delete.
func (d *Directory) DeleteGroup(ctx context.Context, groupID, requester string) ([]notify.Notification, error) {
	if groupID == "" {
		return nil, apperr.Validation("group id is required")
	}

	defer d.locks.Lock(groupKey(groupID))()

	// membership cannot change while the group key is held
	current, err := d.store.Groups().Find(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if current.Admin != requester {
		return nil, apperr.Authorization("only the group admin can delete the group")
	}

	defer d.lockContacts(current.Members...)()

	var former []string
	err = d.store.Atomic(ctx, func(tx store.Tx) error {
		group, err := tx.Groups().Find(ctx, groupID)
		if err != nil {
			return err
		}
		for _, m := range group.Members {
			c, err := tx.Contacts().Find(ctx, m)
			if apperr.KindOf(err) == apperr.KindNotFound {
				continue
			}
			if err != nil {
				return err
			}
			c.MemberOf = models.Without(c.MemberOf, groupID)
			if err := tx.Contacts().Update(ctx, c); err != nil {
				return err
			}
		}
		if err := tx.Chats().DeleteConversation(ctx, models.GroupConversation(groupID)); err != nil {
			return err
		}
		if err := tx.Groups().Delete(ctx, groupID); err != nil {
			return err
		}
		former = group.Members
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.log.Info(`group deleted`, groupID, requester)
	return notify.To(notify.ContactOrGroupChanged, former...), nil
}

// EditGroup renames the group and/or replaces its picture. memberOf holds
// only ids, so no other record needs refreshing.
func (d *Directory) EditGroup(ctx context.Context, groupID, requester string, name *string, image *models.Media) (*models.Group, []notify.Notification, error) {
	if groupID == "" {
		return nil, nil, apperr.Validation("group id is required")
	}
	if name == nil && image == nil {
		return nil, nil, apperr.Validation("nothing to change")
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return nil, nil, apperr.Validation("group name cannot be empty")
	}

	defer d.locks.Lock(groupKey(groupID))()

	var g *models.Group
	err := d.store.Atomic(ctx, func(tx store.Tx) error {
		group, err := tx.Groups().Find(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Admin != requester {
			return apperr.Authorization("only the group admin can edit the group")
		}
		if name != nil {
			group.Name = strings.TrimSpace(*name)
		}
		if image != nil {
			group.Image = image
		}
		if err := tx.Groups().Update(ctx, group); err != nil {
			return err
		}
		g = group
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return g, notify.To(notify.ContactOrGroupChanged, g.Members...), nil
}

func (d *Directory) Group(ctx context.Context, groupID string) (*models.Group, error) {
	return d.store.Groups().Find(ctx, groupID)
}

// GroupsOf resolves the groups identity belongs to.
func (d *Directory) GroupsOf(ctx context.Context, identity string) ([]models.Group, error) {
	c, err := d.store.Contacts().Find(ctx, identity)
	if err != nil {
		return nil, err
	}
	return d.resolveGroups(ctx, c.MemberOf)
}

func (d *Directory) resolveGroups(ctx context.Context, ids []string) ([]models.Group, error) {
	groups := make([]models.Group, 0, len(ids))
	for _, id := range ids {
		g, err := d.store.Groups().Find(ctx, id)
		if apperr.KindOf(err) == apperr.KindNotFound {
			d.log.Warn(`membership references a missing group`, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, nil
}
