package store

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Millis is a millisecond duration of the update-response statistics. The
// store reports times either as bare JSON numbers or as strings with an
// "ms" suffix; both forms unmarshal.
type Millis int64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	var s = string(bytes.Trim(data, `"`))
	s = strings.TrimSuffix(s, "ms")
	var v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return errors.WithMessagef(err, "parsing time %s", data)
	}
	*m = Millis(v)
	return nil
}

// Duration returns the Millis as a time.Duration.
func (m Millis) Duration() time.Duration { return time.Duration(m) * time.Millisecond }

// Count is a triple count of the update-response statistics, tolerant of
// both number and string encodings.
type Count int64

// UnmarshalJSON implements json.Unmarshaler.
func (c *Count) UnmarshalJSON(data []byte) error {
	var s = string(bytes.Trim(data, `"`))
	var v, err = strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return errors.WithMessagef(err, "parsing count %s", data)
	}
	*c = Count(v)
	return nil
}

// DeltaCount tallies inserted and deleted triples.
type DeltaCount struct {
	Inserted Count `json:"inserted"`
	Deleted  Count `json:"deleted"`
	Total    Count `json:"total"`
}

// OperationStats are the store's statistics of one operation of an update
// transaction.
type OperationStats struct {
	Delta struct {
		// Operation is the delta of this operation; After is the store's
		// cumulative delta once it was applied.
		Operation DeltaCount `json:"operation"`
		After     DeltaCount `json:"after"`
	} `json:"delta-triples"`
	Time *struct {
		Total    Millis `json:"total"`
		Planning Millis `json:"planning"`
	} `json:"time"`
}

// UpdateStats are the store's statistics of one update transaction.
type UpdateStats struct {
	Exception  string           `json:"exception"`
	Operations []OperationStats `json:"operations"`
	Time       *struct {
		Total            Millis `json:"total"`
		Parsing          Millis `json:"parsing"`
		Operations       Millis `json:"operations"`
		SnapshotCreation Millis `json:"snapshotCreation"`
		DiskWriteback    Millis `json:"diskWriteback"`
	} `json:"time"`
}

// Total returns the total transaction time reported by the store.
func (s *UpdateStats) Total() time.Duration {
	if s.Time == nil {
		return 0
	}
	return s.Time.Total.Duration()
}

// DeltaTotals sums the per-operation inserted and deleted triple counts.
func (s *UpdateStats) DeltaTotals() (inserted, deleted int64) {
	for _, op := range s.Operations {
		inserted += int64(op.Delta.Operation.Inserted)
		deleted += int64(op.Delta.Operation.Deleted)
	}
	return
}
