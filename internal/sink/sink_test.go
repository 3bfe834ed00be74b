package sink

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-911/internal/hash/sha256"
	"github.com/JakeFAU/realtime-911/internal/incident"
	publishermemory "github.com/JakeFAU/realtime-911/internal/publisher/memory"
	"github.com/JakeFAU/realtime-911/internal/storage/memory"
)

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

type failingHasher struct{}

func (failingHasher) Hash([]byte) (string, error) { return "", errors.New("no digest") }

func TestArchiverStoresByDayAndDigest(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 8, 15, 23, 30, 0, 0, time.UTC))
	store := memory.NewBlobStore()
	a := NewArchiver(store, sha256.New(), ArchiverConfig{Prefix: "/snapshots/"}, clock, nil)

	snap, err := a.Archive(context.Background(), []byte("hello world"))
	require.NoError(t, err)
	require.False(t, snap.Skipped)
	want := "snapshots/2024/08/15/b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9.html"
	require.Equal(t, want, snap.Path)
	require.Equal(t, "memory://"+want, snap.URI)

	obj, ok := store.Get(want)
	require.True(t, ok)
	require.Equal(t, DefaultContentType, obj.ContentType)
	require.Equal(t, "hello world", string(obj.Data))
}

func TestArchiverSkipsUnchangedBody(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	a := NewArchiver(store, sha256.New(), ArchiverConfig{Prefix: "snapshots"}, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	_, err := a.Archive(ctx, []byte("one"))
	require.NoError(t, err)
	snap, err := a.Archive(ctx, []byte("one"))
	require.NoError(t, err)
	require.True(t, snap.Skipped)
	require.Empty(t, snap.URI)

	_, err = a.Archive(ctx, []byte("two"))
	require.NoError(t, err)
	require.Len(t, store.Keys(), 2)
}

func TestArchiverRetriesAfterStoreFailure(t *testing.T) {
	t.Parallel()

	a := NewArchiver(failingStore{}, sha256.New(), ArchiverConfig{}, nil, nil)
	_, err := a.Archive(context.Background(), []byte("x"))
	require.ErrorContains(t, err, "bucket gone")
	require.Empty(t, a.lastDigest)

	_, err = NewArchiver(memory.NewBlobStore(), failingHasher{}, ArchiverConfig{}, nil, nil).
		Archive(context.Background(), []byte("x"))
	require.ErrorContains(t, err, "no digest")
}

func TestEmitterPublishesOpenedThenClosed(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 8, 15, 21, 0, 0, 0, time.UTC)
	pub := publishermemory.New()
	e := NewEmitter(pub, "incidents", clockwork.NewFakeClockAt(now), nil)

	opened := []incident.Incident{{ID: "F1"}, {ID: "F2"}}
	closed := []incident.Incident{{ID: "F0", Status: incident.StatusClosed}}
	sent, err := e.Emit(context.Background(), opened, closed)
	require.NoError(t, err)
	require.Equal(t, 3, sent)

	msgs := pub.Messages()
	require.Len(t, msgs, 3)
	for i, want := range []struct{ typ, id string }{
		{incident.EventOpened, "F1"},
		{incident.EventOpened, "F2"},
		{incident.EventClosed, "F0"},
	} {
		ev, ok := msgs[i].Payload.(incident.Event)
		require.True(t, ok)
		require.Equal(t, "incidents", msgs[i].Topic)
		require.Equal(t, want.typ, ev.Type)
		require.Equal(t, want.id, ev.IncidentID)
		require.True(t, ev.OccurredAt.Equal(now))
	}
}

func TestEmitterAttemptsEveryEvent(t *testing.T) {
	t.Parallel()

	pub := publishermemory.New()
	boom := errors.New("broker down")
	pub.FailWith(boom)
	e := NewEmitter(pub, "incidents", nil, nil)

	sent, err := e.Emit(context.Background(), []incident.Incident{{ID: "F1"}}, []incident.Incident{{ID: "F2"}})
	require.Zero(t, sent)
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "incident.opened F1")
	require.ErrorContains(t, err, "incident.closed F2")
}
