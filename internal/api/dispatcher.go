// Package api issues authenticated requests against the vendor REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"ring-go-home/internal/metrics"
	"ring-go-home/internal/session"
)

// maxBody bounds response bodies; snapshot images are the largest payloads.
const maxBody = 16 << 20

// Session is the credential view the dispatcher needs.
type Session interface {
	AccessToken() string
	HardwareID() string
	Held() (bool, string)
	ClearAccess(rejected string) bool
	ClearAll()
	Hold(reason string, twoFactor bool)
}

// Reauthenticator obtains a new access token after a 401.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Request is one logical vendor call.
type Request struct {
	Op     string
	Params map[string]string
	Query  url.Values
	// Body is JSON-encoded unless it is []byte or url.Values.
	Body any
}

// Response is a completed vendor call with a 2xx status.
type Response struct {
	Op          string
	StatusCode  int
	ContentType string
	Body        []byte
	Request     Request
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s response: %w", r.Op, err)
	}
	return nil
}

// ResponseHandler receives the result of an asynchronous call.
type ResponseHandler func(*Response, error)

// Dispatcher resolves operations to HTTP requests and applies the 401
// recovery rule.
type Dispatcher struct {
	hosts     Hosts
	client    *http.Client
	sess      Session
	auth      Reauthenticator
	userAgent string
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]ResponseHandler
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Dispatcher) { d.userAgent = ua }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(hosts Hosts, sess Session, auth Reauthenticator, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		hosts:    hosts,
		client:   &http.Client{Timeout: 60 * time.Second},
		sess:     sess,
		auth:     auth,
		logger:   logger.With("component", "api"),
		handlers: make(map[string]ResponseHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers the continuation for asynchronous calls to op that are
// issued without an explicit handler.
func (d *Dispatcher) Handle(op string, h ResponseHandler) {
	d.mu.Lock()
	d.handlers[op] = h
	d.mu.Unlock()
}

// Go issues req in the background. A nil handler routes the result to the
// handler registered for the operation.
func (d *Dispatcher) Go(ctx context.Context, req Request, h ResponseHandler) {
	if h == nil {
		d.mu.RLock()
		h = d.handlers[req.Op]
		d.mu.RUnlock()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		resp, err := d.Do(ctx, req)
		if h == nil {
			if err == nil {
				d.logger.Debug("no handler for async response", "op", req.Op)
			}
			return
		}
		h(resp, err)
	}()
}

// Wait blocks until all asynchronous calls have completed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

type replayState int

const (
	stateIdle replayState = iota
	stateRefreshing
	stateReplaying
)

// Do issues req and blocks for the response. A 401 triggers one
// re-authentication and at most one replay.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	op, ok := operations[req.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Op)
	}
	if held, reason := d.sess.Held(); held {
		d.logger.Debug("request suppressed", "op", op.Name, "reason", reason)
		return nil, fmt.Errorf("%s: %w: %s", op.Name, session.ErrRequestsHeld, reason)
	}

	state := stateIdle
	for {
		tok := d.sess.AccessToken()
		resp, err := d.send(ctx, op, req, tok)
		if err != nil {
			metrics.APIRequests.WithLabelValues(op.Name, "error").Inc()
			d.logger.Error("request failed", "op", op.Name, "params", req.Params, "err", err)
			return nil, fmt.Errorf("%s: %w: %w", op.Name, ErrTransport, err)
		}
		metrics.APIRequests.WithLabelValues(op.Name, strconv.Itoa(resp.StatusCode)).Inc()

		switch {
		case resp.StatusCode == http.StatusUnauthorized && state == stateIdle:
			state = stateRefreshing
			// Another request may already have replaced the rejected token.
			if !d.sess.ClearAccess(tok) && d.sess.AccessToken() != "" {
				d.logger.Debug("access token already renewed, replaying", "op", op.Name)
				state = stateReplaying
				continue
			}
			d.logger.Info("access token rejected, re-authenticating", "op", op.Name)
			if err := d.auth.Reauthenticate(ctx); err != nil {
				d.logger.Error("re-authentication failed", "op", op.Name, "err", err)
				if errors.Is(err, session.ErrAuthFailed) {
					return nil, fmt.Errorf("%s: %w: %w", op.Name, ErrAuthExpired, err)
				}
				return nil, fmt.Errorf("%s: %w: %w: %w", op.Name, ErrAuthExpired, session.ErrAuthFailed, err)
			}
			state = stateReplaying
			continue

		case resp.StatusCode == http.StatusUnauthorized:
			d.sess.ClearAccess(tok)
			d.logger.Error("replayed request rejected", "op", op.Name, "params", req.Params)
			return nil, fmt.Errorf("%s: %w: %w: replay rejected", op.Name, ErrAuthExpired, session.ErrAuthFailed)

		case resp.StatusCode == http.StatusTooManyRequests:
			d.sess.ClearAll()
			d.sess.Hold("rate limited", false)
			d.logger.Error("rate limited, holding requests", "op", op.Name)
			return nil, fmt.Errorf("%s: %w", op.Name, session.ErrRateLimited)

		case resp.StatusCode < 200 || resp.StatusCode > 299:
			d.logger.Warn("unexpected status", "op", op.Name, "params", req.Params, "status", resp.StatusCode)
			return nil, &StatusError{Op: op.Name, Code: resp.StatusCode}
		}
		return resp, nil
	}
}

func (d *Dispatcher) send(ctx context.Context, op Operation, req Request, tok string) (*Response, error) {
	u := d.hosts.base(op.Host) + "/" + renderPath(op.Path, req.Params)
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	hreq, err := http.NewRequestWithContext(ctx, op.Method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if tok != "" {
		hreq.Header.Set("Authorization", "Bearer "+tok)
	}
	if op.HardwareID {
		hreq.Header.Set("hardware_id", d.sess.HardwareID())
	}
	if d.userAgent != "" {
		hreq.Header.Set("User-Agent", d.userAgent)
	}
	if op.Accept != "" {
		hreq.Header.Set("Accept", op.Accept)
	}
	if body != nil && op.ContentType != "" {
		hreq.Header.Set("Content-Type", op.ContentType)
	}

	hresp, err := d.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Response{
		Op:          op.Name,
		StatusCode:  hresp.StatusCode,
		ContentType: hresp.Header.Get("Content-Type"),
		Body:        data,
		Request:     req,
	}, nil
}

func encodeBody(b any) ([]byte, error) {
	switch v := b.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case url.Values:
		return []byte(v.Encode()), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		return data, nil
	}
}
