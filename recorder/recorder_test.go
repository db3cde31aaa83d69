package recorder

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerodha/rdp-stream-client/marketdata"
	"github.com/zerodha/rdp-stream-client/stream"
	"github.com/zerodha/rdp-stream-client/stream/streamtest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunRecordsMessages(t *testing.T) {
	db := openTestDB(t)
	run, err := db.StartRun(RunInfo{Mode: "Deployed", Items: 2, Snapshot: true}, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)

	partial := streamtest.Refresh("VOD.L", false)
	partial.ID = 2
	require.NoError(t, run.Record("VOD.L", partial))
	require.NoError(t, run.Record("VOD.L", streamtest.Refresh("VOD.L", true)))
	bt := stream.Message{ID: 3, Type: stream.TypeUpdate, Domain: "MarketByOrder", Raw: []byte(`{"ID":3}`)}
	require.NoError(t, run.Record("BT.L", bt))

	entries, err := db.Messages(run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Entry{Item: "VOD.L", Type: "Refresh", Domain: "MarketPrice", StreamID: 2, Complete: false, Payload: string(partial.Raw)}, entries[0])
	assert.True(t, entries[1].Complete)
	assert.Equal(t, "MarketByOrder", entries[2].Domain)
	assert.Equal(t, `{"ID":3}`, entries[2].Payload)
}

func TestRunFinish(t *testing.T) {
	db := openTestDB(t)
	run, err := db.StartRun(RunInfo{Mode: "Platform", Items: 5}, time.Now())
	require.NoError(t, err)

	rs, err := db.LoadRun(run.ID)
	require.NoError(t, err)
	assert.False(t, rs.Finished)
	assert.Equal(t, "Platform", rs.Mode)
	assert.Equal(t, 5, rs.Items)
	assert.False(t, rs.Snapshot)

	require.NoError(t, run.Finish(marketdata.Snapshot{Refreshes: 4, Updates: 100, Statuses: 1, Closed: 1}, time.Now()))

	rs, err = db.LoadRun(run.ID)
	require.NoError(t, err)
	assert.True(t, rs.Finished)
	assert.Equal(t, int64(4), rs.Refreshes)
	assert.Equal(t, int64(100), rs.Updates)
	assert.Equal(t, int64(1), rs.Statuses)
	assert.Equal(t, int64(1), rs.Closed)

	assert.Error(t, run.Record("VOD.L", streamtest.Update("VOD.L")))
}

func TestRunsAreSeparate(t *testing.T) {
	db := openTestDB(t)
	a, err := db.StartRun(RunInfo{Mode: "Desktop", Items: 1}, time.Now())
	require.NoError(t, err)
	b, err := db.StartRun(RunInfo{Mode: "Desktop", Items: 1}, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	runs, err := db.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, a.ID, runs[0].ID)
	assert.Equal(t, b.ID, runs[1].ID)

	require.NoError(t, a.Record("A", streamtest.Update("A")))
	require.NoError(t, b.Record("B", streamtest.Update("B")))
	require.NoError(t, b.Record("B", streamtest.Update("B")))

	ea, err := db.Messages(a.ID)
	require.NoError(t, err)
	eb, err := db.Messages(b.ID)
	require.NoError(t, err)
	assert.Len(t, ea, 1)
	assert.Len(t, eb, 2)
}

func TestLoadUnknownRun(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LoadRun("missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRunAsTrackerSink(t *testing.T) {
	db := openTestDB(t)
	run, err := db.StartRun(RunInfo{Mode: "Deployed", Items: 1}, time.Now())
	require.NoError(t, err)

	sess := streamtest.New()
	require.NoError(t, sess.Open(t.Context()))
	tr := marketdata.NewTracker(marketdata.TrackerConfig{Sink: run})
	st := sess.ItemStream(stream.ItemRequest{Name: "VOD.L"})
	tr.Attach(st)
	require.NoError(t, st.Open(true))

	fake := sess.Streams()[0]
	fake.Deliver(streamtest.Refresh("VOD.L", true))
	fake.Deliver(streamtest.Update("VOD.L"))

	entries, err := db.Messages(run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Refresh", entries[0].Type)
	assert.Equal(t, "Update", entries[1].Type)
}
