package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		DriverSQLite: func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
		DriverJSON: func(t *testing.T) Store {
			s, err := NewJSONStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func sampleSession(id string, created time.Time) *Session {
	return &Session{
		ID:            id,
		EnvType:       EnvBrowser,
		Resolution:    DefaultResolution,
		ControlPort:   32001,
		DebugPort:     32002,
		VNCPort:       32003,
		ContainerName: "marinabox-" + id,
		CreatedAt:     created,
	}
}

func TestStoreContract(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("create and get", func(t *testing.T) {
				s := open(t)
				sess := sampleSession("aaa", base)
				sess.Tag = "web"
				sess.Kiosk = true
				require.NoError(t, s.Create(ctx, sess))

				got, err := s.Get(ctx, "aaa")
				require.NoError(t, err)
				assert.Equal(t, "web", got.Tag)
				assert.True(t, got.Kiosk)
				assert.Equal(t, 32001, got.ControlPort)
				assert.True(t, got.CreatedAt.Equal(base))
			})

			t.Run("duplicate create", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Create(ctx, sampleSession("aaa", base)))
				err := s.Create(ctx, sampleSession("aaa", base))
				assert.ErrorIs(t, err, ErrAlreadyExists)
			})

			t.Run("get missing", func(t *testing.T) {
				s := open(t)
				_, err := s.Get(ctx, "nope")
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = s.GetClosed(ctx, "nope")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("list ordered by creation then id", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Create(ctx, sampleSession("ccc", base.Add(time.Second))))
				require.NoError(t, s.Create(ctx, sampleSession("bbb", base)))
				require.NoError(t, s.Create(ctx, sampleSession("aaa", base)))

				list, err := s.List(ctx)
				require.NoError(t, err)
				require.Len(t, list, 3)
				assert.Equal(t, "aaa", list[0].ID)
				assert.Equal(t, "bbb", list[1].ID)
				assert.Equal(t, "ccc", list[2].ID)
			})

			t.Run("empty lists are not nil", func(t *testing.T) {
				s := open(t)
				list, err := s.List(ctx)
				require.NoError(t, err)
				assert.NotNil(t, list)
				assert.Empty(t, list)

				closed, err := s.ListClosed(ctx)
				require.NoError(t, err)
				assert.NotNil(t, closed)
				assert.Empty(t, closed)
			})

			t.Run("update tag", func(t *testing.T) {
				s := open(t)
				require.NoError(t, s.Create(ctx, sampleSession("aaa", base)))

				updated, err := s.UpdateTag(ctx, "aaa", "checkout")
				require.NoError(t, err)
				assert.Equal(t, "checkout", updated.Tag)

				_, err = s.UpdateTag(ctx, "missing", "x")
				assert.ErrorIs(t, err, ErrNotFound)

				list, err := s.List(ctx)
				require.NoError(t, err)
				assert.Len(t, list, 1)
			})

			t.Run("archive moves the record", func(t *testing.T) {
				s := open(t)
				sess := sampleSession("aaa", base)
				require.NoError(t, s.Create(ctx, sess))

				closed := &ClosedSession{Session: *sess, ClosedAt: base.Add(time.Minute), RecordingPath: "/tmp/aaa.mp4"}
				require.NoError(t, s.Archive(ctx, closed))

				_, err := s.Get(ctx, "aaa")
				assert.ErrorIs(t, err, ErrNotFound)

				got, err := s.GetClosed(ctx, "aaa")
				require.NoError(t, err)
				assert.Equal(t, "/tmp/aaa.mp4", got.RecordingPath)
				assert.True(t, got.ClosedAt.Equal(base.Add(time.Minute)))
				assert.True(t, got.CreatedAt.Equal(base))

				err = s.Archive(ctx, closed)
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("archive missing", func(t *testing.T) {
				s := open(t)
				err := s.Archive(ctx, &ClosedSession{Session: *sampleSession("zzz", base), ClosedAt: base})
				assert.ErrorIs(t, err, ErrNotFound)

				closed, err := s.ListClosed(ctx)
				require.NoError(t, err)
				assert.Empty(t, closed)
			})

			t.Run("concurrent archive has one winner", func(t *testing.T) {
				s := open(t)
				sess := sampleSession("aaa", base)
				require.NoError(t, s.Create(ctx, sess))

				var wins atomic.Int32
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						err := s.Archive(ctx, &ClosedSession{Session: *sess, ClosedAt: base.Add(time.Second)})
						if err == nil {
							wins.Add(1)
							return
						}
						assert.True(t, errors.Is(err, ErrNotFound), "unexpected error: %v", err)
					}()
				}
				wg.Wait()

				assert.Equal(t, int32(1), wins.Load())
				closed, err := s.ListClosed(ctx)
				require.NoError(t, err)
				assert.Len(t, closed, 1)
			})
		})
	}
}

func TestSQLiteStoreSharedAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	sess := sampleSession("aaa", time.Now().UTC())
	require.NoError(t, first.Create(ctx, sess))

	got, err := second.Get(ctx, "aaa")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	require.NoError(t, second.Archive(ctx, &ClosedSession{Session: *sess, ClosedAt: time.Now().UTC()}))
	_, err = first.Get(ctx, "aaa")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := OpenStore("postgres", t.TempDir())
	assert.Error(t, err)
}
