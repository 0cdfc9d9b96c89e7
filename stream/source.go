package stream

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/donovanhide/eventsource"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.rdfsync.dev/core/metrics"
	"go.rdfsync.dev/core/retry"
)

// Config of a stream Source.
type Config struct {
	URL       string `long:"url" env:"URL" default:"https://stream.wikimedia.org/v2/stream/rdf-streaming-updater.mutation.v2" description:"URL of the SSE change stream"`
	Topic     string `long:"topic" env:"TOPIC" default:"eqiad.rdf-streaming-updater.mutation" description:"Topic of interest; events of other topics are filtered out"`
	Partition int    `long:"partition" env:"PARTITION" default:"0" description:"Partition to consume"`
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"rdfsync" description:"User-Agent header of stream requests"`
}

// Source is a lazy, restartable sequence of ChangeEvents read from an SSE
// change stream. It maintains an internal cursor one past the last yielded
// event, and transparently reconnects there (with bounded backoff) when a
// read fails mid-stream. Source is not safe for concurrent use; the
// pipeline is strictly sequential.
type Source struct {
	cfg        Config
	maxRetries int
	client     *http.Client

	cursor Cursor
	body   io.ReadCloser
	dec    *eventsource.Decoder
}

// NewSource returns a Source with the given Config. |maxRetries| bounds
// connection attempts; exceeding it is fatal for the run.
func NewSource(cfg Config, maxRetries int) *Source {
	return &Source{
		cfg:        cfg,
		maxRetries: maxRetries,
		// No overall request timeout: an SSE response body is read forever.
		client: &http.Client{},
	}
}

// Connect (re)establishes the stream connection at |cursor|, retrying with
// bounded backoff. Any prior connection is closed first.
func (s *Source) Connect(ctx context.Context, cursor Cursor) error {
	s.Close()
	s.cursor = cursor

	return retry.Do(ctx, "stream connect", s.maxRetries, func() error {
		return s.connect(ctx)
	})
}

// connect makes a single connection attempt at the current cursor.
func (s *Source) connect(ctx context.Context) error {
	var req, err = http.NewRequestWithContext(ctx, "GET", s.cfg.URL, nil)
	if err != nil {
		return errors.WithMessage(err, "building stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	if s.cursor.Token != nil {
		var header string
		if header, err = s.cursor.Token.MarshalHeader(); err != nil {
			return err
		}
		req.Header.Set("Last-Event-ID", header)
	} else if !s.cursor.Since.IsZero() {
		var q = url.Values{"since": {s.cursor.Since.UTC().Format(time.RFC3339)}}
		req.URL.RawQuery = q.Encode()
	}

	var resp *http.Response
	if resp, err = s.client.Do(req); err != nil {
		return errors.WithMessage(err, "connecting to stream")
	} else if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return errors.Errorf("unexpected stream response status %s", resp.Status)
	}

	s.body = resp.Body
	s.dec = eventsource.NewDecoder(resp.Body)
	metrics.StreamConnectsTotal.Inc()

	log.WithFields(log.Fields{
		"url":    s.cfg.URL,
		"cursor": s.cursorString(),
	}).Info("connected to change stream")
	return nil
}

// Next returns the next on-topic ChangeEvent of the stream, blocking until
// one is available. Non-"message" frames and foreign-topic events are
// filtered transparently. Malformed events are logged and skipped: the error
// happened when the event was written, and later events are still wanted.
// Read failures reconnect at the internal cursor under the retry policy;
// Next returns an error only on cancellation or retry exhaustion.
func (s *Source) Next(ctx context.Context) (ChangeEvent, error) {
	if s.dec == nil {
		return ChangeEvent{}, errors.New("source is not connected")
	}

	for {
		if err := ctx.Err(); err != nil {
			return ChangeEvent{}, err
		}

		var frame, err = s.dec.Decode()
		if err != nil {
			if ctx.Err() != nil {
				return ChangeEvent{}, ctx.Err()
			}
			log.WithFields(log.Fields{"err": err, "cursor": s.cursorString()}).
				Warn("stream read failed (will reconnect)")

			if err = s.Connect(ctx, s.cursor); err != nil {
				return ChangeEvent{}, err
			}
			continue
		}

		// SSE frames without an explicit event type default to "message".
		if t := frame.Event(); t != "" && t != "message" {
			continue
		} else if frame.Data() == "" {
			continue
		}

		// Foreign topics are filtered before the full decode, so their
		// events need not even be well formed.
		if topic := eventTopic([]byte(frame.Data())); topic != "" && topic != s.cfg.Topic {
			metrics.StreamEventsTotal.WithLabelValues("filtered").Inc()
			continue
		}

		var ev ChangeEvent
		if ev, err = decodeEvent([]byte(frame.Data())); err != nil {
			metrics.StreamEventsTotal.WithLabelValues("malformed").Inc()
			log.WithField("err", err).Warn("skipping malformed stream event")
			continue
		} else if ev.Token.Topic != s.cfg.Topic {
			metrics.StreamEventsTotal.WithLabelValues("filtered").Inc()
			continue
		}

		metrics.StreamEventsTotal.WithLabelValues("yielded").Inc()
		s.cursor = TokenCursor(ev.Token.Next())
		return ev, nil
	}
}

// Close tears down the current connection, if any. The Source may be
// re-Connected afterwards.
func (s *Source) Close() {
	if s.body != nil {
		_ = s.body.Close()
		s.body, s.dec = nil, nil
	}
}

func (s *Source) cursorString() string {
	if s.cursor.Token != nil {
		var h, _ = s.cursor.Token.MarshalHeader()
		return h
	}
	return "since=" + s.cursor.Since.UTC().Format(time.RFC3339)
}
