package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// defaultPageSize is the $top value used when paging through listings.
	defaultPageSize = 999
	// countFallback caps the page loop when the $count request is rejected,
	// typically for missing consistency-level support on the filter.
	countFallback = 99999
)

// StatusError is returned for non-2xx responses. The body is kept verbatim
// so callers can persist it for failure reporting.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client is a thin wrapper over the directory REST API. Calls are spaced by
// a fixed pause to stay under throttling limits.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	pause      time.Duration
	pageSize   int
	now        func() time.Time
}

func NewClient(logger zerolog.Logger, timeout, pause time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "graph").Logger(),
		pause:      pause,
		pageSize:   defaultPageSize,
		now:        time.Now,
	}
}

// Request performs one authenticated call. Non-2xx responses are surfaced as
// *StatusError alongside the response status and body.
func (c *Client) Request(ctx context.Context, method, endpoint, token string, params url.Values, payload []byte) (int, []byte, error) {
	return c.do(ctx, method, endpoint, token, params, payload, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, params url.Values, payload []byte, headers map[string]string) (int, []byte, error) {
	target := endpoint
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		target = endpoint + sep + params.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "request to %s failed", endpoint)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}
	return resp.StatusCode, respBody, nil
}

// ListOptions controls a paged listing.
type ListOptions struct {
	Params url.Values
	// SkipWithoutCredentials drops resources that have no password or key
	// credentials left after expired entries are filtered out.
	SkipWithoutCredentials bool
}

// List counts the matching resources, pages through them with $top, and
// post-filters expired credentials client side. A failed count request falls
// back to a fixed iteration cap instead of aborting.
func (c *Client) List(ctx context.Context, endpoint, token string, opts ListOptions) ([]json.RawMessage, error) {
	params := url.Values{}
	for k, v := range opts.Params {
		params[k] = v
	}
	headers := map[string]string{"ConsistencyLevel": "eventual"}

	count := countFallback
	_, countBody, err := c.do(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/$count", token, params, nil, headers)
	if err != nil {
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Count request failed, falling back to iteration cap")
	} else if n, convErr := strconv.Atoi(strings.TrimSpace(string(countBody))); convErr != nil || n == 0 {
		c.logger.Warn().Str("endpoint", endpoint).Msg("Count request returned no usable total, falling back to iteration cap")
	} else {
		count = n
	}

	params.Set("$top", strconv.Itoa(c.pageSize))

	var items []json.RawMessage
	pageURL := endpoint
	for fetched := 0; fetched < count; fetched += c.pageSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		_, body, err := c.do(ctx, http.MethodGet, pageURL, token, params, nil, headers)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %s", endpoint)
		}
		for _, item := range gjson.GetBytes(body, "value").Array() {
			items = append(items, json.RawMessage(item.Raw))
		}

		next := gjson.GetBytes(body, `@odata\.nextLink`).String()
		if next == "" {
			break
		}
		// The continuation link already carries the full query string.
		pageURL = next
		params = nil
		time.Sleep(c.pause)
	}

	now := c.now().UTC()
	for i, item := range items {
		item = c.dropExpiredCredentials(item, "passwordCredentials", now)
		item = c.dropExpiredCredentials(item, "keyCredentials", now)
		items[i] = item
	}
	if opts.SkipWithoutCredentials {
		items = lo.Filter(items, func(item json.RawMessage, _ int) bool {
			return len(gjson.GetBytes(item, "passwordCredentials").Array()) > 0 ||
				len(gjson.GetBytes(item, "keyCredentials").Array()) > 0
		})
	}

	return items, nil
}

// dropExpiredCredentials rebuilds the named credential array keeping entries
// whose endDateTime is absent, null, or in the future.
func (c *Client) dropExpiredCredentials(item json.RawMessage, field string, now time.Time) json.RawMessage {
	creds := gjson.GetBytes(item, field)
	if !creds.IsArray() || len(creds.Array()) == 0 {
		return item
	}

	kept := make([]string, 0, len(creds.Array()))
	for _, cred := range creds.Array() {
		end := cred.Get("endDateTime")
		if !end.Exists() || end.Type == gjson.Null {
			kept = append(kept, cred.Raw)
			continue
		}
		expiry, err := time.Parse(time.RFC3339, end.String())
		if err != nil {
			c.logger.Debug().Str("endDateTime", end.String()).Msg("Unparseable credential end date, keeping entry")
			kept = append(kept, cred.Raw)
			continue
		}
		if expiry.After(now) {
			kept = append(kept, cred.Raw)
		}
	}
	if len(kept) == len(creds.Array()) {
		return item
	}

	updated, err := sjson.SetRawBytes(item, field, []byte("["+strings.Join(kept, ",")+"]"))
	if err != nil {
		c.logger.Warn().Err(err).Str("field", field).Msg("Failed to rewrite credential list")
		return item
	}
	return updated
}
