// Package stream consumes an SSE change-event stream of linked-data
// mutations. It models stream positions (ResumeToken, Cursor), decodes wire
// events into ChangeEvents, and provides a lazy, restartable Source which
// reconnects with bounded backoff on failure.
package stream

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Operation enumerates the mutation kinds carried by the change stream.
type Operation int

const (
	OpInsert Operation = iota
	OpDelete
	OpLinkShared
	OpUnlinkShared
)

// String returns the wire name of the Operation.
func (op Operation) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpLinkShared:
		return "link_shared"
	case OpUnlinkShared:
		return "unlink_shared"
	default:
		return "invalid"
	}
}

func parseOperation(s string) (Operation, error) {
	switch s {
	case "insert":
		return OpInsert, nil
	case "delete":
		return OpDelete, nil
	case "link_shared":
		return OpLinkShared, nil
	case "unlink_shared":
		return OpUnlinkShared, nil
	default:
		return 0, errors.Errorf("unknown operation %q", s)
	}
}

// ResumeToken is a precise position of the change stream.
type ResumeToken struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Next returns the token one past this one.
func (t ResumeToken) Next() ResumeToken {
	t.Offset++
	return t
}

// MarshalHeader encodes the token as the stream's resume header value:
// a JSON array holding one {topic, partition, offset} object.
func (t ResumeToken) MarshalHeader() (string, error) {
	var b, err = json.Marshal([]ResumeToken{t})
	if err != nil {
		return "", errors.WithMessage(err, "marshal resume token")
	}
	return string(b), nil
}

// Cursor is a stream position to (re)connect from: a precise ResumeToken,
// or an approximate Since date when no token is known.
type Cursor struct {
	Token *ResumeToken
	Since time.Time
}

// TokenCursor returns a Cursor at the precise |token|.
func TokenCursor(token ResumeToken) Cursor { return Cursor{Token: &token} }

// SinceCursor returns a Cursor at the approximate date |since|.
func SinceCursor(since time.Time) Cursor { return Cursor{Since: since} }

// ChangeEvent is one mutation record of the change stream. It is immutable
// once read. Payload fields hold RDF serialized as Turtle text, and are
// empty when the corresponding wire field is absent.
type ChangeEvent struct {
	EntityID  string
	Operation Operation
	Timestamp time.Time // UTC, truncated to whole seconds.
	Token     ResumeToken

	AddedData          string
	DeletedData        string
	LinkedSharedData   string
	UnlinkedSharedData string
}

// AddsData returns whether the event carries triples to be inserted. Used by
// the batch conflict condition: an event adding data for an entity deleted
// earlier in the same batch cannot be expressed in a single net diff.
func (ev ChangeEvent) AddsData() bool {
	return ev.AddedData != "" || ev.LinkedSharedData != ""
}

type wirePayload struct {
	Data string `json:"data"`
}

type wireEvent struct {
	Meta struct {
		Topic     string `json:"topic"`
		Partition int    `json:"partition"`
		Offset    int64  `json:"offset"`
		DT        string `json:"dt"`
	} `json:"meta"`
	EntityID           string       `json:"entity_id"`
	Operation          string       `json:"operation"`
	RDFAddedData       *wirePayload `json:"rdf_added_data"`
	RDFDeletedData     *wirePayload `json:"rdf_deleted_data"`
	RDFLinkedShared    *wirePayload `json:"rdf_linked_shared_data"`
	RDFUnlinkedShared  *wirePayload `json:"rdf_unlinked_shared_data"`
}

// eventTopic extracts just the topic of a wire event, or "" when it cannot
// be read. The Source filters on it before fully decoding, so a malformed
// foreign-topic event is filtered rather than reported as malformed.
func eventTopic(data []byte) string {
	var wire struct {
		Meta struct {
			Topic string `json:"topic"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return ""
	}
	return wire.Meta.Topic
}

// decodeEvent parses the JSON |data| of one stream message.
func decodeEvent(data []byte) (ChangeEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return ChangeEvent{}, errors.WithMessage(err, "unmarshal event")
	}

	var ts, err = time.Parse(time.RFC3339Nano, wire.Meta.DT)
	if err != nil {
		return ChangeEvent{}, errors.WithMessagef(err, "parse event date %q", wire.Meta.DT)
	}
	var op Operation
	if op, err = parseOperation(wire.Operation); err != nil {
		return ChangeEvent{}, err
	}

	var ev = ChangeEvent{
		EntityID:  wire.EntityID,
		Operation: op,
		// The stream timestamps at second resolution; fractional parts are
		// rounded down.
		Timestamp: ts.UTC().Truncate(time.Second),
		Token: ResumeToken{
			Topic:     wire.Meta.Topic,
			Partition: wire.Meta.Partition,
			Offset:    wire.Meta.Offset,
		},
	}
	if wire.RDFAddedData != nil {
		ev.AddedData = wire.RDFAddedData.Data
	}
	if wire.RDFDeletedData != nil {
		ev.DeletedData = wire.RDFDeletedData.Data
	}
	if wire.RDFLinkedShared != nil {
		ev.LinkedSharedData = wire.RDFLinkedShared.Data
	}
	if wire.RDFUnlinkedShared != nil {
		ev.UnlinkedSharedData = wire.RDFUnlinkedShared.Data
	}
	return ev, nil
}
