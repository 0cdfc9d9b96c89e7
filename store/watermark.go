package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// The watermark is expressed as statements about the dump subject, using a
// fixed three-predicate vocabulary:
//
//   - updatesCompleteUntil: all stream updates up to this date are applied.
//   - dateModified: the date of the latest applied update (there may be
//     earlier updates not yet seen; Wikidata uses schema:dateModified with
//     exactly this meaning).
//   - updateStreamNextOffset: the next stream offset to consume.
const (
	DumpSubject              = "<http://wikiba.se/ontology#Dump>"
	PredDateModified         = "<http://schema.org/dateModified>"
	PredUpdatesCompleteUntil = "<http://wikiba.se/ontology#updatesCompleteUntil>"
	PredNextOffset           = "<http://wikiba.se/ontology#updateStreamNextOffset>"

	xsdDateTime = "<http://www.w3.org/2001/XMLSchema#dateTime>"
)

const (
	updatesCompleteUntilQuery = "PREFIX wikibase: <http://wikiba.se/ontology#> " +
		"PREFIX schema: <http://schema.org/> " +
		"SELECT * WHERE { " +
		"{ SELECT (MIN(?date_modified) AS ?updates_complete_until) { " +
		"wikibase:Dump schema:dateModified ?date_modified } } " +
		"UNION { wikibase:Dump wikibase:updatesCompleteUntil ?updates_complete_until } " +
		"} ORDER BY DESC(?updates_complete_until) LIMIT 1"

	nextOffsetQuery = "PREFIX wikibase: <http://wikiba.se/ontology#> " +
		"SELECT (MAX(?offset) AS ?maxOffset) WHERE { " +
		"<http://wikiba.se/ontology#Dump> " +
		"wikibase:updateStreamNextOffset ?offset " +
		"}"
)

// NextOffset reads the watermark's next stream offset to consume. |found|
// is false when the store holds no offset statement (e.g. before the first
// applied batch).
func (c *Client) NextOffset(ctx context.Context) (offset int64, found bool, err error) {
	var value string
	if value, found, err = c.query(ctx, nextOffsetQuery); err != nil || !found {
		return 0, found, err
	}
	if offset, err = strconv.ParseInt(value, 10, 64); err != nil {
		return 0, false, errors.WithMessagef(err, "parsing stored offset %q", value)
	}
	return offset, true, nil
}

// UpdatesCompleteUntil reads the date up to which the store's updates are
// complete. |found| is false when the store holds neither an
// updatesCompleteUntil nor a dateModified statement.
func (c *Client) UpdatesCompleteUntil(ctx context.Context) (until time.Time, found bool, err error) {
	var value string
	if value, found, err = c.query(ctx, updatesCompleteUntilQuery); err != nil || !found {
		return time.Time{}, found, err
	}
	if until, err = time.Parse(time.RFC3339, value); err != nil {
		return time.Time{}, false, errors.WithMessagef(err, "parsing stored date %q", value)
	}
	return until.UTC(), true, nil
}

// WatermarkTriples returns the three watermark statements written inside
// every update transaction, as canonical triple strings.
func WatermarkTriples(nextOffset int64, latest, completeUntil time.Time) []string {
	return []string{
		fmt.Sprintf("%s %s %s", DumpSubject, PredDateModified, dateTimeLiteral(latest)),
		fmt.Sprintf("%s %s %s", DumpSubject, PredUpdatesCompleteUntil, dateTimeLiteral(completeUntil)),
		fmt.Sprintf("%s %s %q", DumpSubject, PredNextOffset, strconv.FormatInt(nextOffset, 10)),
	}
}

func dateTimeLiteral(t time.Time) string {
	return fmt.Sprintf("%q^^%s", t.UTC().Format("2006-01-02T15:04:05Z"), xsdDateTime)
}
