// Package store is a client of the target RDF store's HTTP interface. It
// executes update transactions, reads back their structured statistics, and
// queries the durable watermark which the pipeline keeps inside the store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Config of the target store endpoint.
type Config struct {
	Endpoint    string        `long:"endpoint" env:"ENDPOINT" default:"http://localhost:7001" description:"Base URL of the store's SPARQL endpoint"`
	AccessToken string        `long:"access-token" env:"ACCESS_TOKEN" description:"Access token authorizing updates"`
	Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"0s" description:"Request timeout of store interactions (0 = none)"`
}

// Client of the target store.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient returns a Client of the store at |cfg|.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Rejection is a semantic exception reported by the store for an update
// transaction. It is not retryable: the transaction itself was refused.
type Rejection struct {
	Message string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("store rejected update: %s", r.Message)
}

// IsRejection returns whether |err| is (or wraps) a store Rejection.
func IsRejection(err error) bool {
	var _, ok = errors.Cause(err).(*Rejection)
	return ok
}

// Update executes one SPARQL update transaction and returns the store's
// structured statistics. A store-reported exception is returned as a
// *Rejection; transport failures and malformed responses are ordinary
// errors, to be retried by the caller.
func (c *Client) Update(ctx context.Context, update string) (*UpdateStats, error) {
	var url = c.cfg.Endpoint
	if c.cfg.AccessToken != "" {
		url += "?access-token=" + c.cfg.AccessToken
	}

	var req, err = http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(update))
	if err != nil {
		return nil, errors.WithMessage(err, "building update request")
	}
	req.Header.Set("Content-Type", "application/sparql-update")

	var resp *http.Response
	if resp, err = c.client.Do(req); err != nil {
		return nil, errors.WithMessage(err, "posting update")
	}
	defer resp.Body.Close()

	var body []byte
	if body, err = io.ReadAll(resp.Body); err != nil {
		return nil, errors.WithMessage(err, "reading update response")
	}

	var stats UpdateStats
	if err = json.Unmarshal(body, &stats); err != nil {
		return nil, errors.WithMessagef(err, "parsing update response (first bytes: %s)", firstBytes(body))
	}
	if stats.Exception != "" {
		return nil, &Rejection{Message: stats.Exception}
	}
	// Responses lacking these top-level fields predate per-operation
	// statistics and cannot be interpreted.
	if stats.Operations == nil {
		return nil, errors.New("update response lacks `operations`; the store is too old")
	} else if stats.Time == nil {
		return nil, errors.New("update response lacks `time`; the store is too old")
	}
	return &stats, nil
}

// query executes a read-only SPARQL query expecting a single scalar row, and
// returns the raw value with surrounding quotes stripped. |found| is false
// when the query matched nothing.
func (c *Client) query(ctx context.Context, q string) (value string, found bool, err error) {
	var req *http.Request
	if req, err = http.NewRequestWithContext(ctx, "POST", c.cfg.Endpoint, strings.NewReader(q)); err != nil {
		return "", false, errors.WithMessage(err, "building query request")
	}
	req.Header.Set("Content-Type", "application/sparql-query")
	req.Header.Set("Accept", "text/csv")

	var resp *http.Response
	if resp, err = c.client.Do(req); err != nil {
		return "", false, errors.WithMessage(err, "posting query")
	}
	defer resp.Body.Close()

	var body []byte
	if body, err = io.ReadAll(resp.Body); err != nil {
		return "", false, errors.WithMessage(err, "reading query response")
	} else if resp.StatusCode != http.StatusOK {
		return "", false, errors.Errorf("unexpected query response status %s (%s)", resp.Status, firstBytes(body))
	}

	// CSV with a header row and at most one value row.
	var lines = strings.Split(strings.ReplaceAll(string(body), "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return "", false, nil
	}
	value = strings.TrimSpace(lines[1])
	value = strings.Trim(value, `"`)
	if value == "" {
		return "", false, nil
	}
	return value, true, nil
}

func firstBytes(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
