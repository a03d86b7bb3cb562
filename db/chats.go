package db

import (
	"context"
	"database/sql"
	"strings"

	"wapp/models"
)

type chatStore struct {
	*scope
}

func (s *chatStore) Conversation(ctx context.Context, key string) ([]models.Message, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, conversation, sender, sender_name, recipient, group_id, text,
		       attachment_type, attachment_name, attachment, timestamp
		FROM messages
		WHERE conversation = ?
		ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, storeErr(err, "loading conversation "+key)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var attType, attName sql.NullString
		var att []byte
		var ts string
		if err := rows.Scan(&m.ID, &m.Conversation, &m.Sender, &m.SenderName, &m.Recipient, &m.GroupID, &m.Text,
			&attType, &attName, &att, &ts); err != nil {
			return nil, storeErr(err, "scanning message")
		}
		media, err := s.readMedia(attType, attName, att)
		if err != nil {
			return nil, storeErr(err, "decoding attachment of "+m.ID)
		}
		m.Attachment = media
		m.Timestamp = parseTime(ts)
		messages = append(messages, m)
	}
	return messages, storeErr(rows.Err(), "loading conversation "+key)
}

func (s *chatStore) Insert(ctx context.Context, m *models.Message) error {
	attType, attName, att := s.writeMedia(m.Attachment)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (id, conversation, sender, sender_name, recipient, group_id, text,
		                      attachment_type, attachment_name, attachment, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Conversation, m.Sender, m.SenderName, m.Recipient, m.GroupID, m.Text,
		attType, attName, att, m.Timestamp.UTC().Format(timeLayout),
	)
	return storeErr(err, "inserting message "+m.ID)
}

func (s *chatStore) Delete(ctx context.Context, key string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, key)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	res, err := s.q.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation = ? AND id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, storeErr(err, "deleting messages of "+key)
	}
	n, err := res.RowsAffected()
	return n, storeErr(err, "deleting messages of "+key)
}

func (s *chatStore) DeleteConversation(ctx context.Context, key string) error {
	_, err := s.q.ExecContext(ctx, "DELETE FROM messages WHERE conversation = ?", key)
	return storeErr(err, "deleting conversation "+key)
}
