package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/studymatch/chat-server/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema or seed data without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		username      TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_rooms (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_a_id  INTEGER NOT NULL REFERENCES users(id),
		user_b_id  INTEGER NOT NULL REFERENCES users(id),
		is_active  BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_a_id, user_b_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    INTEGER NOT NULL REFERENCES chat_rooms(id),
		sender_id  INTEGER NOT NULL REFERENCES users(id),
		body       TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		is_read    BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(room_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	var user store.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	var user store.User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// ==== RoomStore implementation ====

// CreateRoom creates an active room for an unordered pair of users.
// The smaller id always lands in user_a_id, so the pair is unique.
func (s *SQLiteStore) CreateRoom(ctx context.Context, userA, userB int64) (*store.Room, error) {
	if userA == userB {
		return nil, fmt.Errorf("room requires two distinct participants")
	}
	if userA > userB {
		userA, userB = userB, userA
	}

	query := `
		INSERT INTO chat_rooms (user_a_id, user_b_id, is_active)
		VALUES (?, ?, 1)
	`
	result, err := s.db.ExecContext(ctx, query, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetRoomByID(ctx, id)
}

// GetRoomByID retrieves a room by ID.
func (s *SQLiteStore) GetRoomByID(ctx context.Context, id int64) (*store.Room, error) {
	query := `
		SELECT id, user_a_id, user_b_id, is_active, created_at
		FROM chat_rooms
		WHERE id = ?
	`
	var room store.Room
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&room.ID,
		&room.UserAID,
		&room.UserBID,
		&room.IsActive,
		&room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query room: %w", err)
	}

	return &room, nil
}

// DeactivateRoom marks a room inactive. Rooms are never deleted.
func (s *SQLiteStore) DeactivateRoom(ctx context.Context, id int64) error {
	query := `UPDATE chat_rooms SET is_active = 0 WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ==== MembershipOracle implementation ====

// RoomActive reports whether a room exists and is active.
func (s *SQLiteStore) RoomActive(ctx context.Context, roomID int64) (bool, error) {
	query := `SELECT is_active FROM chat_rooms WHERE id = ?`
	var active bool
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query room active: %w", err)
	}
	return active, nil
}

// IsParticipant reports whether userID is one of the room's two participants.
func (s *SQLiteStore) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	query := `
		SELECT COUNT(1) FROM chat_rooms
		WHERE id = ? AND (user_a_id = ? OR user_b_id = ?)
	`
	var count int
	if err := s.db.QueryRowContext(ctx, query, roomID, userID, userID).Scan(&count); err != nil {
		return false, fmt.Errorf("query participant: %w", err)
	}
	return count > 0, nil
}

// ==== MessageStore implementation ====

// AppendMessage durably saves a message and assigns its per-room sequence
// and timestamp inside a single transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, roomID, senderID int64, body string) (store.AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT is_active FROM chat_rooms WHERE id = ?`, roomID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AppendResult{}, store.ErrNotFound
	}
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("query room: %w", err)
	}
	if !active {
		return store.AppendResult{}, fmt.Errorf("room %d inactive: %w", roomID, store.ErrNotFound)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE room_id = ?`, roomID,
	).Scan(&seq)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("next sequence: %w", err)
	}

	createdAt := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (room_id, sender_id, body, seq, created_at) VALUES (?, ?, ?, ?, ?)`,
		roomID, senderID, body, seq, createdAt,
	)
	if err != nil {
		return store.AppendResult{}, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return store.AppendResult{}, fmt.Errorf("commit: %w", err)
	}

	return store.AppendResult{Sequence: seq, CreatedAt: createdAt}, nil
}

// ListMessages returns a room's messages in sequence order. The delivery
// core never calls this; it serves the history readers and tests.
func (s *SQLiteStore) ListMessages(ctx context.Context, roomID int64, limit int) ([]store.Message, error) {
	query := `
		SELECT id, room_id, sender_id, body, seq, is_read, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY seq
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Body, &m.Sequence, &m.IsRead, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
