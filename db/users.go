package db

import (
	"context"
	"database/sql"

	"wapp/models"
)

type userStore struct {
	*scope
}

const userColumns = "id, mobile, name, password, image_type, image_name, image"

func (s *userStore) scanUser(row interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	var imageType, imageName sql.NullString
	var image []byte
	if err := row.Scan(&u.ID, &u.Mobile, &u.Name, &u.Password, &imageType, &imageName, &image); err != nil {
		return nil, err
	}
	media, err := s.readMedia(imageType, imageName, image)
	if err != nil {
		return nil, err
	}
	u.Image = media
	return &u, nil
}

func (s *userStore) All(ctx context.Context) ([]models.User, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, storeErr(err, "listing users")
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := s.scanUser(rows)
		if err != nil {
			return nil, storeErr(err, "scanning user")
		}
		users = append(users, *u)
	}
	return users, storeErr(rows.Err(), "listing users")
}

func (s *userStore) Find(ctx context.Context, mobile string) (*models.User, error) {
	row := s.q.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE mobile = ?", mobile)
	u, err := s.scanUser(row)
	if err != nil {
		return nil, storeErr(err, "user "+mobile)
	}
	return u, nil
}

func (s *userStore) Insert(ctx context.Context, u *models.User) error {
	imageType, imageName, image := s.writeMedia(u.Image)
	res, err := s.q.ExecContext(ctx,
		"INSERT INTO users (mobile, name, password, image_type, image_name, image) VALUES (?, ?, ?, ?, ?, ?)",
		u.Mobile, u.Name, u.Password, imageType, imageName, image,
	)
	if err != nil {
		return storeErr(err, "inserting user "+u.Mobile)
	}
	if id, err := res.LastInsertId(); err == nil {
		u.ID = id
	}
	return nil
}

func (s *userStore) Update(ctx context.Context, u *models.User) error {
	imageType, imageName, image := s.writeMedia(u.Image)
	res, err := s.q.ExecContext(ctx,
		"UPDATE users SET name = ?, password = ?, image_type = ?, image_name = ?, image = ? WHERE mobile = ?",
		u.Name, u.Password, imageType, imageName, image, u.Mobile,
	)
	if err != nil {
		return storeErr(err, "updating user "+u.Mobile)
	}
	return affected(res, "user "+u.Mobile)
}

func (s *userStore) Delete(ctx context.Context, mobile string) error {
	res, err := s.q.ExecContext(ctx, "DELETE FROM users WHERE mobile = ?", mobile)
	if err != nil {
		return storeErr(err, "deleting user "+mobile)
	}
	return affected(res, "user "+mobile)
}

func (s *scope) writeMedia(m *models.Media) (sql.NullString, sql.NullString, []byte) {
	if m == nil {
		return sql.NullString{}, sql.NullString{}, nil
	}
	return sql.NullString{String: m.ContentType, Valid: true},
		sql.NullString{String: m.FileName, Valid: true},
		s.blobs.pack(m.Data)
}

func (s *scope) readMedia(contentType, fileName sql.NullString, data []byte) (*models.Media, error) {
	if !contentType.Valid {
		return nil, nil
	}
	raw, err := s.blobs.unpack(data)
	if err != nil {
		return nil, err
	}
	return &models.Media{ContentType: contentType.String, FileName: fileName.String, Data: raw}, nil
}
