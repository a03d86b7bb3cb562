package db

import (
	"context"
	"database/sql"
	"time"

	"wapp/models"
)

type groupStore struct {
	*scope
}

const groupColumns = "id, name, admin, image_type, image_name, image, created"

func (s *groupStore) scanGroup(row interface{ Scan(...interface{}) error }) (*models.Group, error) {
	var g models.Group
	var imageType, imageName sql.NullString
	var image []byte
	var created string
	if err := row.Scan(&g.ID, &g.Name, &g.Admin, &imageType, &imageName, &image, &created); err != nil {
		return nil, err
	}
	media, err := s.readMedia(imageType, imageName, image)
	if err != nil {
		return nil, err
	}
	g.Image = media
	g.Created = parseTime(created)
	return &g, nil
}

func (s *groupStore) members(ctx context.Context, id string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT member FROM group_members WHERE group_id = ? ORDER BY position", id)
	if err != nil {
		return nil, storeErr(err, "loading members of "+id)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, storeErr(err, "loading members of "+id)
		}
		members = append(members, m)
	}
	return members, storeErr(rows.Err(), "loading members of "+id)
}

func (s *groupStore) All(ctx context.Context) ([]models.Group, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+groupColumns+" FROM chat_groups ORDER BY created, id")
	if err != nil {
		return nil, storeErr(err, "listing groups")
	}
	var groups []models.Group
	for rows.Next() {
		g, err := s.scanGroup(rows)
		if err != nil {
			rows.Close()
			return nil, storeErr(err, "scanning group")
		}
		groups = append(groups, *g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "listing groups")
	}

	// members are loaded after the cursor is closed so a single-connection
	// transaction is never asked for two open result sets
	for i := range groups {
		members, err := s.members(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (s *groupStore) Find(ctx context.Context, id string) (*models.Group, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+groupColumns+" FROM chat_groups WHERE id = ?", id)
	g, err := s.scanGroup(row)
	if err != nil {
		return nil, storeErr(err, "group "+id)
	}
	members, err := s.members(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Members = members
	return g, nil
}

func (s *groupStore) Insert(ctx context.Context, g *models.Group) error {
	if g.Created.IsZero() {
		g.Created = time.Now().UTC()
	}
	imageType, imageName, image := s.writeMedia(g.Image)
	if _, err := s.q.ExecContext(ctx,
		"INSERT INTO chat_groups (id, name, admin, image_type, image_name, image, created) VALUES (?, ?, ?, ?, ?, ?, ?)",
		g.ID, g.Name, g.Admin, imageType, imageName, image, g.Created.Format(timeLayout),
	); err != nil {
		return storeErr(err, "inserting group "+g.ID)
	}
	return s.writeMembers(ctx, g)
}

func (s *groupStore) Update(ctx context.Context, g *models.Group) error {
	imageType, imageName, image := s.writeMedia(g.Image)
	res, err := s.q.ExecContext(ctx,
		"UPDATE chat_groups SET name = ?, admin = ?, image_type = ?, image_name = ?, image = ? WHERE id = ?",
		g.Name, g.Admin, imageType, imageName, image, g.ID,
	)
	if err != nil {
		return storeErr(err, "updating group "+g.ID)
	}
	if err := affected(res, "group "+g.ID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", g.ID); err != nil {
		return storeErr(err, "clearing members of "+g.ID)
	}
	return s.writeMembers(ctx, g)
}

func (s *groupStore) Delete(ctx context.Context, id string) error {
	if _, err := s.q.ExecContext(ctx, "DELETE FROM group_members WHERE group_id = ?", id); err != nil {
		return storeErr(err, "clearing members of "+id)
	}
	res, err := s.q.ExecContext(ctx, "DELETE FROM chat_groups WHERE id = ?", id)
	if err != nil {
		return storeErr(err, "deleting group "+id)
	}
	return affected(res, "group "+id)
}

func (s *groupStore) writeMembers(ctx context.Context, g *models.Group) error {
	for i, m := range g.Members {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO group_members (group_id, member, position) VALUES (?, ?, ?)", g.ID, m, i,
		); err != nil {
			return storeErr(err, "writing members of "+g.ID)
		}
	}
	return nil
}
