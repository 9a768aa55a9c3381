package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/mahaj/marketplace-chat/pkg/db"
	"github.com/mahaj/marketplace-chat/pkg/model"
)

// ScyllaStore keeps rooms in the rooms_by_key and user_rooms tables. The
// insert into rooms_by_key is a lightweight transaction, so concurrent
// creates for the same participant set converge on one room.
type ScyllaStore struct {
	session *db.Session
}

func NewScyllaStore(session *db.Session) *ScyllaStore {
	return &ScyllaStore{session: session}
}

func (s *ScyllaStore) CreateOrGet(ctx context.Context, room model.RoomMetadata) (model.RoomMetadata, bool, error) {
	room.Participants = NormalizeParticipants(room.Participants)
	key := ParticipantKey(room.Participants)
	var data string
	if len(room.ParticipantData) > 0 {
		b, err := json.Marshal(room.ParticipantData)
		if err != nil {
			return model.RoomMetadata{}, false, err
		}
		data = string(b)
	}

	applied, err := s.session.Query(
		`INSERT INTO rooms_by_key (participant_key, room_id, participants, created_by, created_at, participant_data) VALUES (?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
		key, room.ID, room.Participants, room.CreatedBy, room.CreatedAt, data,
	).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return model.RoomMetadata{}, false, fmt.Errorf("insert room: %w", err)
	}
	if !applied {
		existing, err := s.byKey(ctx, key)
		return existing, false, err
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, userID := range room.Participants {
		batch.Query(
			`INSERT INTO user_rooms (user_id, room_id, participants, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			userID, room.ID, room.Participants, room.CreatedBy, room.CreatedAt,
		)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return model.RoomMetadata{}, false, fmt.Errorf("index room %s by user: %w", room.ID, err)
	}
	return room, true, nil
}

func (s *ScyllaStore) byKey(ctx context.Context, key string) (model.RoomMetadata, error) {
	var (
		room model.RoomMetadata
		data string
	)
	err := s.session.Query(
		`SELECT room_id, participants, created_by, created_at, participant_data FROM rooms_by_key WHERE participant_key = ?`, key,
	).WithContext(ctx).Scan(&room.ID, &room.Participants, &room.CreatedBy, &room.CreatedAt, &data)
	if err != nil {
		return model.RoomMetadata{}, fmt.Errorf("load room %q: %w", key, err)
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &room.ParticipantData); err != nil {
			return model.RoomMetadata{}, fmt.Errorf("room %s participant data: %w", room.ID, err)
		}
	}
	return room, nil
}

func (s *ScyllaStore) ListByUser(ctx context.Context, userID string) ([]model.RoomMetadata, error) {
	iter := s.session.Query(
		`SELECT room_id, participants, created_by, created_at FROM user_rooms WHERE user_id = ?`, userID,
	).WithContext(ctx).Iter()

	rooms := []model.RoomMetadata{}
	var (
		room      model.RoomMetadata
		createdAt time.Time
	)
	for iter.Scan(&room.ID, &room.Participants, &room.CreatedBy, &createdAt) {
		room.CreatedAt = createdAt
		rooms = append(rooms, room)
		room = model.RoomMetadata{}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list rooms for %s: %w", userID, err)
	}
	return rooms, nil
}

func (s *ScyllaStore) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var id string
	err := s.session.Query(
		`SELECT room_id FROM user_rooms WHERE user_id = ? AND room_id = ?`, userID, roomID,
	).WithContext(ctx).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant %s in room %s: %w", userID, roomID, err)
	}
	return true, nil
}

// Close is a no-op; the session is owned by the caller.
func (s *ScyllaStore) Close() error { return nil }
