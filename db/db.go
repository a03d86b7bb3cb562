package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mattn/go-sqlite3"

	"wapp/apperr"
	"wapp/store"
)

const timeLayout = time.RFC3339Nano

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type DB struct {
	conn  *sql.DB
	blobs *blobCodec
	scope
}

var _ store.Store = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	blobs, err := newBlobCodec()
	if err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, blobs: blobs, scope: scope{q: conn, blobs: blobs}}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

var tables = []string{"messages", "member_of", "contacts", "contact_records", "group_members", "chat_groups", "users"}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mobile TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			password TEXT NOT NULL,
			image_type TEXT,
			image_name TEXT,
			image BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS contact_records (
			identity TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS member_of (
			member TEXT NOT NULL,
			group_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(member, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			admin TEXT NOT NULL,
			image_type TEXT,
			image_name TEXT,
			image BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL,
			member TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(group_id, member)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			conversation TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			attachment_type TEXT,
			attachment_name TEXT,
			attachment BLOB,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_member_of_group ON member_of(group_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate performs auto-migration for columns added after the first release.
func (db *DB) migrate() error {
	if !db.columnExists("messages", "sender_name") {
		if _, err := db.conn.Exec("ALTER TABLE messages ADD COLUMN sender_name TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}

	if !db.columnExists("chat_groups", "created") {
		now := time.Now().UTC().Format(timeLayout)
		// SQLite doesn't support parameters in ALTER TABLE
		if _, err := db.conn.Exec("ALTER TABLE chat_groups ADD COLUMN created TEXT NOT NULL DEFAULT '" + now + "'"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func (db *DB) Atomic(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindStore, err, "beginning transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(&scope{q: tx, blobs: db.blobs}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "committing transaction")
	}
	return nil
}

// Reset drops every table and recreates the empty schema.
func (db *DB) Reset(ctx context.Context) error {
	for _, table := range tables {
		if _, err := db.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return apperr.Wrap(apperr.KindStore, err, "dropping "+table)
		}
	}
	if err := db.init(); err != nil {
		return apperr.Wrap(apperr.KindStore, err, "recreating schema")
	}
	return nil
}

// scope binds the four stores to either the pool or one transaction.
type scope struct {
	q     queryer
	blobs *blobCodec
}

func (s *scope) Users() store.UserStore       { return &userStore{scope: s} }
func (s *scope) Contacts() store.ContactStore { return &contactStore{scope: s} }
func (s *scope) Groups() store.GroupStore     { return &groupStore{scope: s} }
func (s *scope) Chats() store.ChatStore       { return &chatStore{scope: s} }

// blobCodec compresses attachment and image payloads at rest.
type blobCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newBlobCodec() (*blobCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf(`creating zstd encoder failed - %v`, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf(`creating zstd decoder failed - %v`, err)
	}

	return &blobCodec{enc: enc, dec: dec}, nil
}

func (c *blobCodec) pack(data []byte) []byte {
	if data == nil {
		return nil
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)))
}

func (c *blobCodec) unpack(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return c.dec.DecodeAll(data, nil)
}

// storeErr maps driver errors onto the apperr taxonomy.
func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, err, msg)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return apperr.Wrap(apperr.KindConflict, err, msg)
	}
	return apperr.Wrap(apperr.KindStore, err, msg)
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, what)
	}
	if n == 0 {
		return apperr.NotFound(what + " not found")
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
