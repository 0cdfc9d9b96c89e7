package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.rdfsync.dev/core/store"
	"go.rdfsync.dev/core/stream"
)

func buildTestBatch(t *testing.T) *Batch {
	var b = NewBatch(testToken(500))

	var ev = testEvent(500, "Q1", stream.OpInsert, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	ev.AddedData = "<http://e/Q1> <http://p/x> <http://o/1> ."
	require.NoError(t, b.Consume(ev))

	ev = testEvent(501, "Q2", stream.OpInsert, time.Date(2025, 3, 1, 10, 0, 30, 0, time.UTC))
	ev.DeletedData = "<http://e/Q2> <http://p/x> <http://o/old> ."
	ev.AddedData = "<http://e/Q2> <http://p/x> <http://o/new> ."
	require.NoError(t, b.Consume(ev))

	return b
}

func TestBuildUpdate(t *testing.T) {
	var b = buildTestBatch(t)
	var update = BuildUpdate(b, DateMax)

	require.Equal(t, "DELETE {\n"+
		"  <http://e/Q2> <http://p/x> <http://o/old> \n"+
		"} INSERT {\n"+
		"  <http://e/Q1> <http://p/x> <http://o/1> . \n"+
		"  <http://e/Q2> <http://p/x> <http://o/new> . \n"+
		`  <http://wikiba.se/ontology#Dump> <http://schema.org/dateModified> "2025-03-01T10:00:30Z"^^<http://www.w3.org/2001/XMLSchema#dateTime> . `+"\n"+
		`  <http://wikiba.se/ontology#Dump> <http://wikiba.se/ontology#updatesCompleteUntil> "2025-03-01T10:00:30Z"^^<http://www.w3.org/2001/XMLSchema#dateTime> . `+"\n"+
		`  <http://wikiba.se/ontology#Dump> <http://wikiba.se/ontology#updateStreamNextOffset> "502" `+"\n"+
		"} WHERE { }\n", update)
}

func TestBuildUpdateMinDatePolicy(t *testing.T) {
	var b = buildTestBatch(t)
	var update = BuildUpdate(b, DateMin)

	// dateModified stays the max; updatesCompleteUntil takes the min.
	require.Contains(t, update,
		`<http://schema.org/dateModified> "2025-03-01T10:00:30Z"`)
	require.Contains(t, update,
		`<http://wikiba.se/ontology#updatesCompleteUntil> "2025-03-01T10:00:00Z"`)
}

func TestBuildUpdateEntityDeleteClause(t *testing.T) {
	var b = buildTestBatch(t)
	var ev = testEvent(502, "Q9", stream.OpDelete, time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC))
	require.NoError(t, b.Consume(ev))

	var update = BuildUpdate(b, DateMax)
	var parts = strings.Split(update, ";\n")
	require.Len(t, parts, 2)

	require.Contains(t, parts[1], "VALUES ?s { wd:Q9 }")
	require.Contains(t, parts[1], "VALUES ?_1 { wd:Q9 }")
	require.Contains(t, parts[1], "?s rdf:type wikibase:Statement .")
	require.Contains(t, parts[1], "PREFIX wd: <http://www.wikidata.org/entity/>")

	// Equal batches serialize identically.
	require.Equal(t, update, BuildUpdate(b, DateMax))
}

func TestWatermarkDateRoundTrip(t *testing.T) {
	var b = buildTestBatch(t)
	var update = BuildUpdate(b, DateMin)

	// A store which remembers the applied update and answers the
	// completeness query from the watermark statement it holds.
	var applied string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body, _ = io.ReadAll(r.Body)

		switch r.Header.Get("Content-Type") {
		case "application/sparql-update":
			applied = string(body)
			io.WriteString(w, `{"operations": [], "time": {"total": 1}}`)
		case "application/sparql-query":
			var marker = `<http://wikiba.se/ontology#updatesCompleteUntil> "`
			var i = strings.Index(applied, marker)
			require.NotEqual(t, -1, i)
			var date = applied[i+len(marker):]
			date = date[:strings.Index(date, `"`)]
			io.WriteString(w, "updates_complete_until\n"+date+"\n")
		}
	}))
	defer srv.Close()

	var c = store.NewClient(store.Config{Endpoint: srv.URL})
	var _, err = c.Update(context.Background(), update)
	require.NoError(t, err)

	// The min date written into the transaction reads back exactly.
	var until, found, qerr = c.UpdatesCompleteUntil(context.Background())
	require.NoError(t, qerr)
	require.True(t, found)
	require.Equal(t, b.MinDate, until)
}

func TestParseDatePolicy(t *testing.T) {
	var p, ok = ParseDatePolicy("min")
	require.True(t, ok)
	require.Equal(t, DateMin, p)

	p, ok = ParseDatePolicy("max")
	require.True(t, ok)
	require.Equal(t, DateMax, p)

	_, ok = ParseDatePolicy("median")
	require.False(t, ok)
}

// fakeUpdater scripts successive Update calls.
type fakeUpdater struct {
	errs    []error
	updates []string
}

func (f *fakeUpdater) Update(ctx context.Context, update string) (*store.UpdateStats, error) {
	f.updates = append(f.updates, update)

	var err error
	if len(f.errs) != 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	if err != nil {
		return nil, err
	}
	var stats store.UpdateStats
	if err = json.Unmarshal([]byte(`{"operations": [], "time": {"total": 10}}`), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func TestApplierSuccess(t *testing.T) {
	var u = &fakeUpdater{}
	var ap = NewApplier(u, 1)

	var stats, err = ap.Apply(context.Background(), "DELETE {} INSERT {} WHERE {}")
	require.NoError(t, err)
	require.Equal(t, 10*time.Millisecond, stats.Total())
	require.Equal(t, []string{"DELETE {} INSERT {} WHERE {}"}, u.updates)
}

func TestApplierRejectionIsNotRetried(t *testing.T) {
	var u = &fakeUpdater{errs: []error{&store.Rejection{Message: "bad batch"}}}
	var ap = NewApplier(u, 5)

	var _, err = ap.Apply(context.Background(), "...")
	require.Error(t, err)
	require.True(t, store.IsRejection(err))
	require.Len(t, u.updates, 1)
}

func TestApplierExhaustsRetriesOnTransportFailure(t *testing.T) {
	var u = &fakeUpdater{errs: []error{errors.New("connection refused")}}
	var ap = NewApplier(u, 1)

	var _, err = ap.Apply(context.Background(), "...")
	require.ErrorContains(t, err, "connection refused")
	require.False(t, store.IsRejection(err))
}
