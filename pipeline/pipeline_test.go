package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"go.rdfsync.dev/core/store"
	"go.rdfsync.dev/core/stream"
	"go.rdfsync.dev/core/txcache"
)

// fakeStream scripts a Streamer: each Connect re-fills the event queue via
// the script, keyed by the requested cursor.
type fakeStream struct {
	script   func(cursor stream.Cursor) []stream.ChangeEvent
	connects []stream.Cursor
	queue    []stream.ChangeEvent
}

func (f *fakeStream) Connect(ctx context.Context, cursor stream.Cursor) error {
	f.connects = append(f.connects, cursor)
	f.queue = f.script(cursor)
	return nil
}

func (f *fakeStream) Next(ctx context.Context) (stream.ChangeEvent, error) {
	if len(f.queue) == 0 {
		return stream.ChangeEvent{}, errors.New("stream exhausted")
	}
	var ev = f.queue[0]
	f.queue = f.queue[1:]
	return ev, nil
}

// insertsFrom yields |n| generic insert events starting at |offset|.
func insertsFrom(offset int64, n int) []stream.ChangeEvent {
	var out []stream.ChangeEvent
	for i := 0; i < n; i++ {
		out = append(out, insertEvent(offset+int64(i), "Q1"))
	}
	return out
}

// fakeStore scripts a Store: successive NextOffset reads pop |offsets| (the
// last repeats), and the first |rejections| updates are refused.
type fakeStore struct {
	offsets     []int64
	offsetFound bool
	until       time.Time
	untilFound  bool
	rejections  int

	updates []string
}

func (f *fakeStore) NextOffset(ctx context.Context) (int64, bool, error) {
	if !f.offsetFound {
		return 0, false, nil
	}
	var offset = f.offsets[0]
	if len(f.offsets) > 1 {
		f.offsets = f.offsets[1:]
	}
	return offset, true, nil
}

func (f *fakeStore) UpdatesCompleteUntil(ctx context.Context) (time.Time, bool, error) {
	return f.until, f.untilFound, nil
}

func (f *fakeStore) Update(ctx context.Context, update string) (*store.UpdateStats, error) {
	f.updates = append(f.updates, update)
	if f.rejections > 0 {
		f.rejections--
		return nil, &store.Rejection{Message: "offsets do not line up"}
	}
	var stats store.UpdateStats
	if err := json.Unmarshal([]byte(`{"operations": [], "time": {"total": 1}}`), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func TestPipelineReplicatesOneBatch(t *testing.T) {
	// Three events: Q1 gains triple A, Q2 gains triple B, then Q1 is deleted
	// and its triple A removed. The net batch inserts only B, and defers the
	// Q1 entity delete to the pattern clause.
	var e500 = testEvent(500, "Q1", stream.OpInsert, testBase)
	e500.AddedData = "<http://e/Q1> <http://p/x> <http://a> ."
	var e501 = testEvent(501, "Q2", stream.OpInsert, testBase.Add(time.Second))
	e501.AddedData = "<http://e/Q2> <http://p/x> <http://b> ."
	var e502 = testEvent(502, "Q1", stream.OpDelete, testBase.Add(2*time.Second))
	e502.DeletedData = "<http://e/Q1> <http://p/x> <http://a> ."

	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return []stream.ChangeEvent{e500, e501, e502, insertEvent(503, "Q3")}
	}}
	var st = &fakeStore{}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   100,
		MaxMessages: 3,
		StartOffset: 500,
		MaxRetries:  1,
	}, src, st, nil)

	require.NoError(t, p.Run(context.Background()))
	require.Len(t, st.updates, 1)

	var update = st.updates[0]
	require.Contains(t, update, "<http://e/Q2> <http://p/x> <http://b>")
	require.NotContains(t, update, "<http://a>") // Cancelled to net zero.
	require.Contains(t, update, `<http://wikiba.se/ontology#updateStreamNextOffset> "503"`)
	require.Contains(t, update, "VALUES ?s { wd:Q1 }")

	require.Len(t, src.connects, 1)
	require.Equal(t, int64(500), src.connects[0].Token.Offset)
}

func TestPipelineRejectionRederivesOffset(t *testing.T) {
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{
		// The store holds offset 500: the first transaction is refused, and
		// the pipeline re-derives its resume point from the watermark.
		offsets:     []int64{500},
		offsetFound: true,
		rejections:  1,
	}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   1,
		MaxMessages: 2,
		StartOffset: 500,
		MaxRetries:  1,
	}, src, st, nil)

	require.NoError(t, p.Run(context.Background()))

	// Rejected attempt, then the rebuilt batch.
	require.Len(t, st.updates, 2)
	require.Contains(t, st.updates[1], `<http://wikiba.se/ontology#updateStreamNextOffset> "501"`)

	// Initial connect at 500, then the post-rejection reposition there.
	require.Len(t, src.connects, 2)
	require.Equal(t, int64(500), src.connects[0].Token.Offset)
	require.Equal(t, int64(500), src.connects[1].Token.Offset)
}

func TestPipelineRewindsToStoreWatermark(t *testing.T) {
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{
		// After the first batch the store reports offset 80: it was restarted
		// from an older image while the stream position ran ahead.
		offsets:     []int64{80, 80, 81},
		offsetFound: true,
	}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   1,
		MaxMessages: 2,
		StartOffset: 100,
		CheckOffset: true,
		Rewind:      true,
		MaxRetries:  1,
	}, src, st, nil)

	require.NoError(t, p.Run(context.Background()))

	require.Len(t, st.updates, 2)
	require.Contains(t, st.updates[0], `"101"`)
	require.Contains(t, st.updates[1], `"81"`)

	require.Len(t, src.connects, 2)
	require.Equal(t, int64(100), src.connects[0].Token.Offset)
	require.Equal(t, int64(80), src.connects[1].Token.Offset)
}

func TestPipelineRewindDisabledFails(t *testing.T) {
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{offsets: []int64{80}, offsetFound: true}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   1,
		MaxMessages: 5,
		StartOffset: 100,
		CheckOffset: true,
		Rewind:      false,
		MaxRetries:  1,
	}, src, st, nil)

	require.ErrorContains(t, p.Run(context.Background()), "rewind is disabled")
}

func TestPipelineStartsFromStoreWatermark(t *testing.T) {
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{offsets: []int64{200}, offsetFound: true}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   100,
		MaxMessages: 1,
		StartOffset: -1,
		MaxRetries:  1,
	}, src, st, nil)

	require.NoError(t, p.Run(context.Background()))

	require.Len(t, src.connects, 1)
	require.Equal(t, int64(200), src.connects[0].Token.Offset)
	require.Len(t, st.updates, 1)
	require.Contains(t, st.updates[0], `"201"`)
}

func TestPipelineStartsFromCompletenessDate(t *testing.T) {
	var until = time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		if cursor.Token != nil {
			return insertsFrom(cursor.Token.Offset, 10)
		}
		return insertsFrom(300, 10)
	}}
	var st = &fakeStore{until: until, untilFound: true}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   100,
		MaxMessages: 1,
		StartOffset: -1,
		MaxRetries:  1,
	}, src, st, nil)

	require.NoError(t, p.Run(context.Background()))

	// No offset watermark: the stream is joined at the completeness date and
	// the first event fixes the start offset.
	require.Len(t, src.connects, 1)
	require.Nil(t, src.connects[0].Token)
	require.Equal(t, until, src.connects[0].Since)

	require.Len(t, st.updates, 1)
	require.Contains(t, st.updates[0], `"301"`)
}

func TestPipelineAppliesCachedTransaction(t *testing.T) {
	var cache = txcache.NewWithFs(afero.NewMemMapFs(), "/cache")
	require.NoError(t, cache.Put(500, 5, txcache.Entry{
		Update:  `CACHED <http://wikiba.se/ontology#updateStreamNextOffset> "505"`,
		MinDate: testBase,
		MaxDate: testBase.Add(time.Minute),
	}))

	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   5,
		MaxMessages: 1,
		StartOffset: 500,
		MaxRetries:  1,
	}, src, st, cache)

	require.NoError(t, p.Run(context.Background()))

	// The cached artifact replaced assembly of the first batch, and the
	// stream was repositioned past it.
	require.Len(t, st.updates, 2)
	require.Contains(t, st.updates[0], "CACHED")
	require.Len(t, src.connects, 2)
	require.Equal(t, int64(505), src.connects[1].Token.Offset)

	// The second, assembled batch was cached in turn under its actual size.
	var entry, ok = cache.Get(505, 1)
	require.True(t, ok)
	require.Equal(t, st.updates[1], entry.Update)
}

func TestPipelineCachedRejectionFallsBackToAssembly(t *testing.T) {
	var cache = txcache.NewWithFs(afero.NewMemMapFs(), "/cache")
	require.NoError(t, cache.Put(500, 5, txcache.Entry{Update: "CACHED STALE"}))

	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return insertsFrom(cursor.Token.Offset, 10)
	}}
	var st = &fakeStore{
		offsets:     []int64{500},
		offsetFound: true,
		rejections:  1, // The cached artifact is refused.
	}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   5,
		MaxMessages: 1,
		StartOffset: 500,
		MaxRetries:  1,
	}, src, st, cache)

	require.NoError(t, p.Run(context.Background()))

	// The refused artifact is not applied again: the pipeline re-derives its
	// position and assembles a fresh batch there instead.
	require.Len(t, st.updates, 2)
	require.Equal(t, "CACHED STALE", st.updates[0])
	require.NotContains(t, st.updates[1], "CACHED")
	require.Contains(t, st.updates[1], `<http://wikiba.se/ontology#updateStreamNextOffset> "501"`)

	// Initial connect, then the post-rejection reposition at the watermark.
	require.Len(t, src.connects, 2)
	require.Equal(t, int64(500), src.connects[1].Token.Offset)
}

func TestPipelineStopBeforeFirstBatch(t *testing.T) {
	var src = &fakeStream{script: func(cursor stream.Cursor) []stream.ChangeEvent {
		return nil
	}}
	var st = &fakeStore{}

	var p = New(Config{
		Topic:       "test.topic",
		BatchSize:   100,
		StartOffset: 500,
		MaxRetries:  1,
	}, src, st, nil)
	p.Stop()
	p.Stop() // Idempotent.

	require.NoError(t, p.Run(context.Background()))
	require.Empty(t, st.updates)
}
