// Package apiclient is the HTTP transport for the thread messaging
// API: conditional paginated fetches, idempotent message mutations,
// read watermarks, preview warm-up, and presence updates.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/hireloop/threadsync/internal/domain/message"
	"github.com/hireloop/threadsync/internal/infrastructure/codec"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerAfterWrite     = "X-After-Write"
	headerETag           = "ETag"
	headerIfNoneMatch    = "If-None-Match"
)

// TokenSource supplies the session token and refreshes it on expiry.
// Session management itself is an external capability; the client only
// consumes it.
type TokenSource interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Config controls transport behavior.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// PageQuery describes one paginated fetch.
type PageQuery struct {
	Mode     message.FetchMode
	AfterID  int64
	BeforeID int64
	Limit    int

	// ETag, when set, makes the fetch conditional (If-None-Match).
	ETag string

	// ForceFresh attaches the after-write hint so a just-stale server
	// cache cannot mask a recent local mutation.
	ForceFresh bool
}

// Client talks to the messaging API.
type Client struct {
	http    *resty.Client
	codec   *codec.Negotiator
	tokens  TokenSource
	limiter *rate.Limiter
	refresh singleflight.Group
	log     zerolog.Logger
}

// New creates a Client. tokens may be nil when the embedding app
// handles sessions at a different layer.
func New(cfg Config, negotiator *codec.Negotiator, tokens TokenSource, logger zerolog.Logger) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", negotiator.AcceptHeader()).
		SetRetryCount(0) // retry policy is owned by the pager and the outbox

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 10
	}

	return &Client{
		http:    hc,
		codec:   negotiator,
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.With().Str("component", "apiclient").Logger(),
	}
}

// FetchMessages performs GET /threads/{id}/messages. A 304 answer is
// surfaced as ErrNotModified.
func (c *Client) FetchMessages(ctx context.Context, threadID string, q PageQuery) (*message.Page, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx)
		req.SetQueryParam("mode", string(q.Mode))
		if q.AfterID > 0 {
			req.SetQueryParam("after_id", strconv.FormatInt(q.AfterID, 10))
		}
		if q.BeforeID > 0 {
			req.SetQueryParam("before_id", strconv.FormatInt(q.BeforeID, 10))
		}
		if q.Limit > 0 {
			req.SetQueryParam("limit", strconv.Itoa(q.Limit))
		}
		if q.ETag != "" {
			req.SetHeader(headerIfNoneMatch, q.ETag)
		}
		if q.ForceFresh {
			req.SetHeader(headerAfterWrite, "1")
		}
		c.setAuth(req)
		return req.Get(fmt.Sprintf("/threads/%s/messages", threadID))
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotModified {
		return nil, ErrNotModified
	}

	var page message.Page
	if err := c.codec.Decode(resp.Body(), resp.Header().Get("Content-Type"), &page); err != nil {
		return nil, err
	}
	page.ETag = resp.Header().Get(headerETag)
	return &page, nil
}

// SendMessage performs POST /threads/{id}/messages carrying the
// idempotency key, so a retry after a lost ack collapses server-side
// into the original result.
func (c *Client) SendMessage(ctx context.Context, threadID string, payload message.SendPayload, idempotencyKey string) (*message.Message, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).
			SetHeader(headerIdempotencyKey, idempotencyKey).
			SetHeader("Content-Type", codec.ContentTypeJSON).
			SetBody(payload)
		c.setAuth(req)
		return req.Post(fmt.Sprintf("/threads/%s/messages", threadID))
	})
	if err != nil {
		return nil, err
	}

	var confirmed message.Message
	if err := c.codec.Decode(resp.Body(), resp.Header().Get("Content-Type"), &confirmed); err != nil {
		return nil, err
	}
	return &confirmed, nil
}

// MarkRead performs PUT /threads/{id}/messages/read.
func (c *Client) MarkRead(ctx context.Context, threadID string, upToID int64) error {
	_, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).
			SetHeader("Content-Type", codec.ContentTypeJSON).
			SetBody(map[string]int64{"up_to_id": upToID})
		c.setAuth(req)
		return req.Put(fmt.Sprintf("/threads/%s/messages/read", threadID))
	})
	return err
}

// FetchPreviewBatch performs the multi-thread warm-up fetch, returning
// lite previews keyed by thread id with per-thread order preserved.
func (c *Client) FetchPreviewBatch(ctx context.Context, threadIDs []string) (map[string][]message.Message, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).
			SetQueryParam("ids", strings.Join(threadIDs, ","))
		c.setAuth(req)
		return req.Get("/threads/messages/batch")
	})
	if err != nil {
		return nil, err
	}

	var batch struct {
		Threads map[string][]message.Message `json:"threads"`
	}
	if err := c.codec.Decode(resp.Body(), resp.Header().Get("Content-Type"), &batch); err != nil {
		return nil, err
	}
	return batch.Threads, nil
}

// SendPresence transmits one coalesced presence/typing update.
func (c *Client) SendPresence(ctx context.Context, threadID, kind string, payload any) error {
	_, err := c.do(ctx, func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx).
			SetHeader("Content-Type", codec.ContentTypeJSON).
			SetBody(map[string]any{"kind": kind, "payload": payload})
		c.setAuth(req)
		return req.Post(fmt.Sprintf("/threads/%s/presence", threadID))
	})
	return err
}

func (c *Client) setAuth(req *resty.Request) {
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.SetAuthToken(tok)
		}
	}
}

// do runs one request attempt through the rate limiter, classifies the
// outcome, and on a 401 performs a single shared token refresh followed
// by exactly one retry of the original request.
func (c *Client) do(ctx context.Context, attempt func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := attempt()
	if err != nil {
		// Transport-level failures (timeouts included) are transient.
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}

	if resp.StatusCode() == http.StatusUnauthorized && c.tokens != nil {
		// Concurrent 401s share one refresh instead of each triggering
		// their own.
		_, refreshErr, _ := c.refresh.Do("session-refresh", func() (any, error) {
			tok, err := c.tokens.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			c.log.Debug().Msg("session token refreshed")
			return tok, nil
		})
		if refreshErr != nil {
			return nil, &APIError{StatusCode: http.StatusUnauthorized, Kind: KindAuth, Message: refreshErr.Error()}
		}
		resp, err = attempt()
		if err != nil {
			return nil, &APIError{Kind: KindTransient, Message: err.Error()}
		}
	}

	return c.classify(resp)
}

func (c *Client) classify(resp *resty.Response) (*resty.Response, error) {
	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300, status == http.StatusNotModified:
		return resp, nil
	}

	apiErr := &APIError{StatusCode: status}
	var env errorEnvelope
	if err := json.Unmarshal(resp.Body(), &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}

	switch {
	case apiErr.Code == "cursor_expired" || status == http.StatusGone:
		apiErr.Kind = KindCursorExpired
	case status == http.StatusUnauthorized:
		apiErr.Kind = KindAuth
	case status == http.StatusTooManyRequests || status >= 500:
		apiErr.Kind = KindTransient
	default:
		apiErr.Kind = KindPermanent
	}

	c.log.Debug().
		Int("status", status).
		Str("kind", apiErr.Kind.String()).
		Str("code", apiErr.Code).
		Msg("request failed")
	return nil, apiErr
}
