package directory

import (
	"fmt"

	"github.com/mahaj/marketplace-chat/pkg/db"
)

// OpenStore opens the room store for driver: sqlite3 or postgres over dsn, or
// scylla over hosts after migrating keyspace. The returned func releases it.
func OpenStore(driver, dsn string, hosts []string, keyspace string) (Store, func(), error) {
	if driver != "scylla" {
		store, err := NewSQLStore(driver, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s room store: %w", driver, err)
		}
		return store, func() { store.Close() }, nil
	}

	if err := db.Migrate(hosts, keyspace); err != nil {
		return nil, nil, err
	}
	session, err := db.NewSession(hosts, keyspace)
	if err != nil {
		return nil, nil, err
	}
	return NewScyllaStore(session), session.Close, nil
}
