package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/mahaj/marketplace-chat/pkg/model"
)

// SQLStore keeps rooms in sqlite (development, tests) or postgres.
type SQLStore struct {
	db         *sql.DB
	driverName string
}

func NewSQLStore(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// In-memory sqlite databases are per connection.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			participant_key TEXT NOT NULL UNIQUE,
			participants TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			participant_data TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS room_participants (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS room_participants_user ON room_participants (user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create directory tables: %w", err)
		}
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func (s *SQLStore) CreateOrGet(ctx context.Context, room model.RoomMetadata) (model.RoomMetadata, bool, error) {
	room.Participants = NormalizeParticipants(room.Participants)
	key := ParticipantKey(room.Participants)
	participants, err := json.Marshal(room.Participants)
	if err != nil {
		return model.RoomMetadata{}, false, err
	}
	var data []byte
	if len(room.ParticipantData) > 0 {
		if data, err = json.Marshal(room.ParticipantData); err != nil {
			return model.RoomMetadata{}, false, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RoomMetadata{}, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO rooms (id, participant_key, participants, created_by, created_at, participant_data)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (participant_key) DO NOTHING`),
		room.ID, key, string(participants), room.CreatedBy, room.CreatedAt.UnixMilli(), nullString(data),
	)
	if err != nil {
		return model.RoomMetadata{}, false, fmt.Errorf("insert room: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return model.RoomMetadata{}, false, err
	} else if n == 0 {
		existing, err := s.scanRoom(tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, participants, created_by, created_at, participant_data FROM rooms WHERE participant_key = ?`), key))
		if err != nil {
			return model.RoomMetadata{}, false, fmt.Errorf("load existing room: %w", err)
		}
		return existing, false, nil
	}

	for _, userID := range room.Participants {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO room_participants (room_id, user_id) VALUES (?, ?)`), room.ID, userID); err != nil {
			return model.RoomMetadata{}, false, fmt.Errorf("insert participant %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.RoomMetadata{}, false, err
	}
	return room, true, nil
}

func (s *SQLStore) ListByUser(ctx context.Context, userID string) ([]model.RoomMetadata, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT r.id, r.participants, r.created_by, r.created_at, r.participant_data
		FROM rooms r JOIN room_participants p ON p.room_id = r.id
		WHERE p.user_id = ? ORDER BY r.created_at, r.id`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []model.RoomMetadata{}
	for rows.Next() {
		room, err := s.scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *SQLStore) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT 1 FROM room_participants WHERE room_id = ? AND user_id = ?`), roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant %s in room %s: %w", userID, roomID, err)
	}
	return true, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanRoom(row scanner) (model.RoomMetadata, error) {
	var (
		room         model.RoomMetadata
		participants string
		createdAt    int64
		data         sql.NullString
	)
	if err := row.Scan(&room.ID, &participants, &room.CreatedBy, &createdAt, &data); err != nil {
		return model.RoomMetadata{}, err
	}
	if err := json.Unmarshal([]byte(participants), &room.Participants); err != nil {
		return model.RoomMetadata{}, fmt.Errorf("room %s participants: %w", room.ID, err)
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &room.ParticipantData); err != nil {
			return model.RoomMetadata{}, fmt.Errorf("room %s participant data: %w", room.ID, err)
		}
	}
	room.CreatedAt = time.UnixMilli(createdAt).UTC()
	return room, nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
