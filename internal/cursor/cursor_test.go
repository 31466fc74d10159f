package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

type fakeProducer struct {
	batches [][]*bsondoc.Document
	closed  bool
}

func (f *fakeProducer) Next(_ context.Context, n int) ([]*bsondoc.Document, bool, error) {
	if len(f.batches) == 0 {
		return nil, false, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, len(f.batches) > 0, nil
}

func (f *fakeProducer) Close() { f.closed = true }

func TestOpenFetchExhaustsToZero(t *testing.T) {
	m := New(time.Hour, time.Hour)
	p := &fakeProducer{batches: [][]*bsondoc.Document{
		{bsondoc.NewDocument(bsondoc.Element{Key: "a", Value: int32(1)})},
	}}
	id := m.Open(p, 1, "", "db.coll", 0)
	require.NotZero(t, id)

	docs, nextID, err := m.Fetch(context.Background(), id, 10, 1, "")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Zero(t, nextID)
	assert.True(t, p.closed)
}

func TestFetchWrongOwnerFails(t *testing.T) {
	m := New(time.Hour, time.Hour)
	p := &fakeProducer{batches: [][]*bsondoc.Document{{}, {}}}
	id := m.Open(p, 1, "sess-a", "db.coll", 0)

	_, _, err := m.Fetch(context.Background(), id, 10, 2, "")
	require.Error(t, err)
	_, ok := oxerr.As(err, oxerr.KindCursorNotFound)
	assert.True(t, ok)
}

func TestFetchSameSessionDifferentConnSucceeds(t *testing.T) {
	m := New(time.Hour, time.Hour)
	p := &fakeProducer{batches: [][]*bsondoc.Document{{}}}
	id := m.Open(p, 1, "sess-a", "db.coll", 0)

	_, _, err := m.Fetch(context.Background(), id, 10, 2, "sess-a")
	require.NoError(t, err)
}

func TestKillRemovesCursor(t *testing.T) {
	m := New(time.Hour, time.Hour)
	p := &fakeProducer{batches: [][]*bsondoc.Document{{}}}
	id := m.Open(p, 1, "", "db.coll", 0)

	require.NoError(t, m.Kill(id, 1, ""))
	assert.True(t, p.closed)

	err := m.Kill(id, 1, "")
	require.Error(t, err)
}

func TestSweepReapsIdleCursor(t *testing.T) {
	m := New(10*time.Millisecond, 10*time.Millisecond)
	p := &fakeProducer{batches: [][]*bsondoc.Document{{}}}
	id := m.Open(p, 1, "", "db.coll", time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	m.sweep()

	_, _, err := m.Fetch(context.Background(), id, 10, 1, "")
	require.Error(t, err)
	assert.True(t, p.closed)
}
