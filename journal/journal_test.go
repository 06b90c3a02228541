package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.tatikoma.dev/corpix/shelf/message"
	"git.tatikoma.dev/corpix/shelf/publish"
)

func TestJournal(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	j, err := Open(":memory:")
	require.NoError(err)
	defer j.Close()

	base := time.Unix(1700000000, 0)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err = j.Last(ctx, "svc1")
	assert.True(t, ErrIsNoRows(err))

	_, err = j.Record(ctx, message.WorkerFault{Name: "svc1", Cause: "spawn failed"})
	require.NoError(err)
	require.NoError(j.Observe(message.WorkerUnloading{Name: "svc1"}))
	require.NoError(j.Observe(message.WorkerUnloaded{Name: "svc1"}))
	require.NoError(j.Observe(message.WorkerUnloaded{Name: "svc2"}))

	entries, err := j.List(ctx, "svc1", 10)
	require.NoError(err)
	require.Len(entries, 3)
	assert.Equal(t, message.KindWorkerFault, entries[0].Kind)
	assert.Equal(t, "spawn failed", entries[0].Cause)
	assert.Equal(t, message.KindWorkerUnloading, entries[1].Kind)
	assert.Equal(t, message.KindWorkerUnloaded, entries[2].Kind)
	assert.True(t, entries[0].At.Before(entries[2].At))

	entries, err = j.List(ctx, "svc1", 2)
	require.NoError(err)
	require.Len(entries, 2)
	assert.Equal(t, message.KindWorkerUnloading, entries[0].Kind)

	last, err := j.Last(ctx, "svc2")
	require.NoError(err)
	assert.Equal(t, message.KindWorkerUnloaded, last.Kind)
	assert.Equal(t, "svc2", last.Service)
}

func TestJournalFromStream(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	s := publish.NewStream("events")
	ch := make(chan message.Message, 4)
	sub := publish.NewSubscription()
	s.Subscribe(ch, sub)

	s.Publish(message.WorkerUnloading{Name: "svc1"})
	s.Publish(message.WorkerUnloaded{Name: "svc1"})
	s.Unsubscribe(ch)
	close(ch)

	require.NoError(t, s.Pump(ch, sub, j.Observe))

	entries, err := j.List(context.Background(), "svc1", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
