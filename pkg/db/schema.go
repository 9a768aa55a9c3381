package db

import (
	"fmt"
	"log/slog"
)

// Tables lists every table owned by this module, in creation order.
var Tables = []string{"messages", "rooms_by_key", "user_rooms"}

var tableDDL = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		room_id text,
		id text,
		at timestamp,
		sender_id text,
		sender_name text,
		sender_avatar text,
		text text,
		type text,
		edited boolean,
		reactions map<text, frozen<set<text>>>,
		PRIMARY KEY (room_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS rooms_by_key (
		participant_key text PRIMARY KEY,
		room_id text,
		participants list<text>,
		created_by text,
		created_at timestamp,
		participant_data text
	)`,
	`CREATE TABLE IF NOT EXISTS user_rooms (
		user_id text,
		room_id text,
		participants list<text>,
		created_by text,
		created_at timestamp,
		PRIMARY KEY (user_id, room_id)
	)`,
}

// Migrate creates the keyspace (through the system keyspace) and every table.
func Migrate(hosts []string, keyspace string) error {
	sys, err := NewSession(hosts, "system")
	if err != nil {
		return err
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		keyspace,
	)).Exec()
	sys.Close()
	if err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}

	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return err
	}
	defer session.Close()

	for i, ddl := range tableDDL {
		if err := session.Query(ddl).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", Tables[i], err)
		}
		slog.Info("table ready", slog.String("table", Tables[i]))
	}
	return nil
}

// Drop removes every table in the keyspace. Used by scripts/drop_tables.
func Drop(session *Session) error {
	for _, table := range Tables {
		if err := session.Query("DROP TABLE IF EXISTS " + table).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
	}
	return nil
}
