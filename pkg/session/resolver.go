package session

import (
	"context"
	"errors"
	"strings"
)

// Resolve maps an identifier to an active session in two explicit steps:
// exact id first, then tag. A tag shared by several sessions yields an
// *AmbiguousTagError rather than an arbitrary pick.
func (m *Manager) Resolve(ctx context.Context, identifier string) (*Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrNotFound
	}

	sess, err := m.store.Get(ctx, identifier)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	return m.resolveTag(ctx, identifier)
}

func (m *Manager) resolveTag(ctx context.Context, tag string) (*Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*Session
	for _, s := range sessions {
		if s.Tag == tag {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, s := range matches {
			ids[i] = s.ID
		}
		return nil, &AmbiguousTagError{Tag: tag, IDs: ids}
	}
}
