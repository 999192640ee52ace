// Package telegram implements ports.Transport over the Telegram Bot API
// using long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logAdapter "github.com/dentalor/lorbot/internal/adapters/log"
	"github.com/dentalor/lorbot/internal/backoff"
	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// pollGrace is added to the long-poll timeout for the request deadline.
const pollGrace = 10 * time.Second

// confirmTimeout bounds the offset confirmation sent on Close.
const confirmTimeout = 5 * time.Second

// Observer receives connection events, e.g. for metrics.
type Observer interface {
	OnConnState(state domain.ConnState)
	OnReconnect(attempt int, wait time.Duration)
}

// Config configures a Client.
type Config struct {
	Token  string
	APIURL string

	PollTimeout  time.Duration
	PollInterval time.Duration
	HTTPTimeout  time.Duration

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxRetries  int

	// SendRate limits outbound requests per second.
	SendRate float64

	HTTPClient ports.HTTPClient
	Logger     ports.Logger
	Observer   Observer
}

// Client is the Bot API transport. Receive must be called from a single
// goroutine; Send and the file methods are safe for concurrent use.
type Client struct {
	cfg      Config
	httpc    ports.HTTPClient
	logger   ports.Logger
	observer Observer
	limiter  *rate.Limiter
	scrubber *strings.Replacer

	mu     sync.RWMutex
	state  domain.ConnState
	closed bool
	bot    user

	// Owned by the receiving goroutine.
	backoff *backoff.Backoff
	offset  int64
	pending []domain.Event
	// delivered is the offset just past the last event returned by
	// Receive; acked is the offset the server last saw.
	delivered int64
	acked     int64

	sleep func(context.Context, time.Duration) bool
	now   func() time.Time
}

// New returns a disconnected client.
func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 120 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 25
	}

	c := &Client{
		cfg:      cfg,
		httpc:    cfg.HTTPClient,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), 1),
		scrubber: strings.NewReplacer(cfg.Token, "<token>"),
		state:    domain.ConnDisconnected,
		backoff:  backoff.New(cfg.BackoffBase, cfg.BackoffMax),
		sleep:    backoff.Sleep,
		now:      time.Now,
	}
	if c.httpc == nil {
		// Deadlines are set per request; long polls outlive a global timeout.
		c.httpc = &http.Client{}
	}
	if c.logger == nil {
		c.logger = logAdapter.NewNoopLogger()
	}
	return c
}

// State reports the current connection state.
func (c *Client) State() domain.ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Username returns the bot's username once connected.
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot.Username
}

func (c *Client) setState(s domain.ConnState) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev == s {
		return
	}
	c.logger.Debug("connection state", ports.String("from", prev.String()), ports.String("to", s.String()))
	if c.observer != nil {
		c.observer.OnConnState(s)
	}
}

// Connect calls getMe. A rejected token fails immediately with
// *domain.AuthenticationError; transient failures are retried with backoff
// up to MaxRetries.
func (c *Client) Connect(ctx context.Context) error {
	c.setState(domain.ConnConnecting)
	for {
		var me user
		err := c.call(ctx, "getMe", struct{}{}, &me, c.cfg.HTTPTimeout)
		if err == nil {
			c.mu.Lock()
			c.bot = me
			c.mu.Unlock()
			c.backoff.Reset()
			c.setState(domain.ConnConnected)
			c.logger.Info("connected", ports.String("bot", me.Username), ports.Int64("bot_id", me.ID))
			return nil
		}
		if err := c.retryOrFail(ctx, "getMe", err); err != nil {
			return err
		}
	}
}

// Receive returns the next update. Updates are fetched in batches, but the
// getUpdates offset only moves past updates that were already returned, so
// undelivered updates stay queued on the server across reconnects.
func (c *Client) Receive(ctx context.Context) (domain.Event, error) {
	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			c.delivered = ev.ID + 1
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Event{}, err
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if err := c.retryOrFail(ctx, "getUpdates", err); err != nil {
				return domain.Event{}, err
			}
			continue
		}

		if c.backoff.Attempt() > 0 {
			c.logger.Info("reconnected", ports.Int("failed_attempts", c.backoff.Attempt()))
		}
		c.backoff.Reset()
		c.setState(domain.ConnConnected)

		if len(updates) == 0 {
			if !c.sleep(ctx, c.cfg.PollInterval) {
				return domain.Event{}, ctx.Err()
			}
			continue
		}

		received := c.now()
		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			ev, ok := toEvent(u, received)
			if !ok {
				c.logger.Debug("skipping unsupported update", ports.Int64("update_id", u.UpdateID))
				continue
			}
			c.pending = append(c.pending, ev)
		}
	}
}

// retryOrFail classifies a failed request. It returns nil after waiting out
// the backoff when the caller should try again.
func (c *Client) retryOrFail(ctx context.Context, method string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.unauthorized() {
		c.setState(domain.ConnDisconnected)
		return &domain.AuthenticationError{Status: apiErr.Code, Description: apiErr.Description}
	}

	if c.backoff.Attempt() >= c.cfg.MaxRetries {
		c.setState(domain.ConnDisconnected)
		return fmt.Errorf("%w: %s failed %d times: %v", domain.ErrTransportUnavailable, method, c.backoff.Attempt()+1, err)
	}

	wait := c.backoff.Next()
	if apiErr != nil && apiErr.RetryAfter > 0 {
		if ra := time.Duration(apiErr.RetryAfter) * time.Second; ra > wait {
			wait = ra
		}
	}

	c.setState(domain.ConnBackingOff)
	c.logger.Warn("request failed, backing off",
		ports.String("method", method),
		ports.Int("attempt", c.backoff.Attempt()),
		ports.Duration("wait", wait),
		ports.Err(err),
	)
	if c.observer != nil {
		c.observer.OnReconnect(c.backoff.Attempt(), wait)
	}

	if !c.sleep(ctx, wait) {
		return ctx.Err()
	}
	c.setState(domain.ConnConnecting)
	return nil
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	params := getUpdatesParams{
		Offset:         c.offset,
		Timeout:        int(c.cfg.PollTimeout / time.Second),
		AllowedUpdates: []string{"message", "callback_query"},
	}
	var updates []update
	if err := c.call(ctx, "getUpdates", params, &updates, c.cfg.PollTimeout+pollGrace); err != nil {
		return nil, err
	}
	c.acked = params.Offset
	return updates, nil
}

// confirmDelivered tells the server that every update up to the last one
// returned by Receive is consumed, so a restart does not see them again.
// Updates still pending in the client stay queued on the server.
func (c *Client) confirmDelivered() {
	if c.delivered <= c.acked {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), confirmTimeout)
	defer cancel()

	params := getUpdatesParams{Offset: c.delivered, Limit: 1}
	var updates []update
	if err := c.call(ctx, "getUpdates", params, &updates, confirmTimeout); err != nil {
		c.logger.Warn("offset confirmation failed", ports.Int64("offset", c.delivered), ports.Err(err))
		return
	}
	c.acked = c.delivered
	c.logger.Debug("offset confirmed", ports.Int64("offset", c.delivered))
}

// Close confirms the updates already delivered, marks the client closed
// and drops idle connections. It must not run concurrently with Receive.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.confirmDelivered()

	c.setState(domain.ConnDisconnected)
	if hc, ok := c.httpc.(*http.Client); ok {
		hc.CloseIdleConnections()
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return c.cfg.APIURL + "/bot" + c.cfg.Token + "/" + method
}

// call POSTs params as JSON and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return c.do(ctx, method, bytes.NewReader(body), "application/json", out, timeout)
}

func (c *Client) do(ctx context.Context, method string, body io.Reader, contentType string, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return c.scrub(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return c.scrub(fmt.Errorf("%s: %w", method, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var env apiResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: unexpected response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// scrub removes the token from error text; request URLs embed it.
func (c *Client) scrub(err error) error {
	if err == nil || c.cfg.Token == "" {
		return err
	}
	return &scrubbedError{msg: c.scrubber.Replace(err.Error()), err: err}
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }
func (e *scrubbedError) Unwrap() error { return e.err }

var _ ports.Transport = (*Client)(nil)
var _ ports.FileFetcher = (*Client)(nil)
