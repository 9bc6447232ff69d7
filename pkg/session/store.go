package session

import (
	"context"
	"fmt"
	"sort"
)

// Store persists active and closed sessions as two collections keyed by id.
// Implementations must make Archive atomic per id: after it returns, the id
// is in the closed collection and not in the active one, or neither changed.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	UpdateTag(ctx context.Context, id, tag string) (*Session, error)
	Archive(ctx context.Context, closed *ClosedSession) error
	GetClosed(ctx context.Context, id string) (*ClosedSession, error)
	ListClosed(ctx context.Context) ([]*ClosedSession, error)
	Close() error
}

// Store drivers
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// OpenStore opens the store for driver at path. For sqlite path is the
// database file, for json it is the directory holding the two files.
func OpenStore(driver, path string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(path)
	case DriverJSON:
		return NewJSONStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func sortSessions(sessions []*Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}

func sortClosed(closed []*ClosedSession) {
	sort.SliceStable(closed, func(i, j int) bool {
		if !closed[i].ClosedAt.Equal(closed[j].ClosedAt) {
			return closed[i].ClosedAt.Before(closed[j].ClosedAt)
		}
		return closed[i].ID < closed[j].ID
	})
}
