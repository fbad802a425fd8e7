// Package realtime keeps the socket to the vendor's hub relay open and
// feeds its events into the registry.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ring-go-home/internal/api"
	"ring-go-home/internal/metrics"
	"ring-go-home/internal/normalize"
	"ring-go-home/internal/registry"
)

// ErrNotConnected is returned for outbound commands while the socket is
// down.
var ErrNotConnected = errors.New("real-time gateway not connected")

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateTicketRequested
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateTicketRequested:
		return "ticket_requested"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// TicketSource issues one-time connection tickets.
type TicketSource interface {
	Ticket(ctx context.Context, locationID string) (*api.Ticket, error)
}

// Hubs is the registry side of the gateway.
type Hubs interface {
	HasHubs() bool
	HubEnabled(kind string) bool
	HubIDs() []string
	Ingest(res normalize.Result) registry.IngestReport
}

// Config holds gateway timing.
type Config struct {
	LocationID       string
	Backoff          Backoff
	WatchdogInterval time.Duration
	SilenceTimeout   time.Duration
	ConnectTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 2 * time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 1800 * time.Second
	}
	if c.Backoff.Floor <= 0 {
		c.Backoff.Floor = 900 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = 5 * time.Minute
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 5 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
}

const (
	defaultPingInterval = 25 * time.Second
	writeTimeout        = 10 * time.Second
	readLimit           = 4 << 20
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithScheme overrides the socket URL scheme.
func WithScheme(scheme string) Option {
	return func(g *Gateway) { g.scheme = scheme }
}

// WithClock overrides the time source used for liveness.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithLocation resolves the location id at each ticket request,
// overriding Config.LocationID.
func WithLocation(fn func() string) Option {
	return func(g *Gateway) { g.location = fn }
}

// Status is a snapshot of the connection state.
type Status struct {
	State       string    `json:"state"`
	Seq         int64     `json:"seq"`
	LastMessage time.Time `json:"last_message,omitempty"`
	Backoff     string    `json:"backoff"`
	Hubs        []string  `json:"hubs"`
}

// Gateway is the real-time socket client.
type Gateway struct {
	cfg     Config
	tickets TicketSource
	hubs    Hubs
	events  *registry.EventBus
	logger  *slog.Logger
	scheme  string
	now     func() time.Time

	// location overrides cfg.LocationID when set.
	location func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu keeps seq order and write order the same.
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	gen          uint64
	seq          int64
	lastMessage  time.Time
	pingInterval time.Duration
	assets       []string
	conn         *websocket.Conn
	connCancel   context.CancelFunc
	timer        *time.Timer
	backoff      Backoff
	started      bool
	stopped      bool
}

// New creates a gateway. events may be nil.
func New(cfg Config, tickets TicketSource, hubs Hubs, events *registry.EventBus, logger *slog.Logger, opts ...Option) *Gateway {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:     cfg,
		tickets: tickets,
		hubs:    hubs,
		events:  events,
		logger:  logger.With("component", "realtime"),
		scheme:  "wss",
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		backoff: cfg.Backoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Initialize opens the connection and starts the watchdog. Without any
// hub kind the gateway stays disconnected.
func (g *Gateway) Initialize() {
	if !g.hubs.HasHubs() {
		g.logger.Info("no hub devices, real-time gateway not needed")
		return
	}
	g.mu.Lock()
	if g.started || g.stopped {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	g.wg.Add(1)
	go g.watchdog()
	g.connect()
}

// Stop closes the connection and stops all timers.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.gen++
	g.state = StateClosing
	conn := g.conn
	g.conn, g.connCancel = nil, nil
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.emitStatus(StateClosing, "")

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	g.cancel()
	g.wg.Wait()

	g.mu.Lock()
	g.state = StateDisconnected
	g.mu.Unlock()
	g.emitStatus(StateDisconnected, "")
	g.logger.Info("real-time gateway stopped")
}

// State returns the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Status returns a snapshot for the API.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		State:       g.state.String(),
		Seq:         g.seq,
		LastMessage: g.lastMessage,
		Backoff:     g.backoff.Current().String(),
		Hubs:        g.hubTargetsLocked(),
	}
}

func (g *Gateway) hubTargetsLocked() []string {
	out := slices.Clone(g.assets)
	for _, id := range g.hubs.HubIDs() {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func (g *Gateway) connect() {
	g.mu.Lock()
	switch {
	case g.stopped:
		g.mu.Unlock()
		return
	case g.state == StateTicketRequested, g.state == StateConnecting, g.state == StateConnected:
		g.mu.Unlock()
		return
	}
	g.gen++
	gen := g.gen
	g.seq = 0
	g.state = StateTicketRequested
	g.mu.Unlock()
	g.emitStatus(StateTicketRequested, "")

	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.ConnectTimeout)
	defer cancel()

	loc := g.cfg.LocationID
	if g.location != nil {
		loc = g.location()
	}
	t, err := g.tickets.Ticket(ctx, loc)
	if err != nil {
		g.fail(gen, fmt.Errorf("request ticket: %w", err), true)
		return
	}
	u, err := socketURL(g.scheme, t)
	if err != nil {
		g.fail(gen, err, true)
		return
	}
	var assets []string
	for _, a := range t.Assets {
		if a.UUID != "" && g.hubs.HubEnabled(a.Kind) {
			assets = append(assets, a.UUID)
		}
	}
	if !g.transition(gen, StateConnecting) {
		return
	}

	// The dial context outlives the handshake, so it is bounded by a
	// timer instead of a deadline.
	connCtx, connCancel := context.WithCancel(g.ctx)
	dialTimer := time.AfterFunc(g.cfg.ConnectTimeout, connCancel)
	conn, _, err := websocket.Dial(connCtx, u, nil)
	if !dialTimer.Stop() && err == nil {
		err = context.DeadlineExceeded
		conn.CloseNow()
	}
	if err != nil {
		connCancel()
		g.fail(gen, fmt.Errorf("dial: %w", err), true)
		return
	}
	conn.SetReadLimit(readLimit)

	g.mu.Lock()
	if gen != g.gen || g.stopped {
		g.mu.Unlock()
		connCancel()
		conn.CloseNow()
		return
	}
	g.conn = conn
	g.connCancel = connCancel
	g.assets = assets
	g.lastMessage = g.now()
	g.pingInterval = defaultPingInterval
	g.wg.Add(1)
	g.mu.Unlock()

	g.logger.Debug("socket open, waiting for namespace connect", "hubs", len(assets))
	go g.readLoop(connCtx, gen, conn)
}

// transition moves to state if gen is still the live connection.
func (g *Gateway) transition(gen uint64, state State) bool {
	g.mu.Lock()
	if gen != g.gen || g.stopped {
		g.mu.Unlock()
		return false
	}
	g.state = state
	g.mu.Unlock()
	g.emitStatus(state, "")
	return true
}

// fail tears down connection gen and schedules a reconnect. Calls for a
// connection that was already replaced are ignored.
func (g *Gateway) fail(gen uint64, cause error, connectFailed bool) {
	g.mu.Lock()
	if gen != g.gen || g.stopped {
		g.mu.Unlock()
		return
	}
	g.gen++
	conn, connCancel := g.conn, g.connCancel
	g.conn, g.connCancel = nil, nil
	g.state = StateError
	delay := g.backoff.Next(connectFailed)
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(delay, g.connect)
	g.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.CloseNow()
	}

	trigger := "failure"
	if connectFailed {
		trigger = "connect_failure"
	}
	metrics.RealtimeReconnects.WithLabelValues(trigger).Inc()
	if delay >= g.cfg.Backoff.Max {
		g.logger.Error("real-time connection failing repeatedly", "err", cause, "retry_in", delay)
	} else {
		g.logger.Warn("real-time connection lost", "err", cause, "retry_in", delay)
	}
	g.emitStatus(StateError, cause.Error())

	g.mu.Lock()
	if g.state == StateError {
		g.state = StateDisconnected
	}
	g.mu.Unlock()
	g.emitStatus(StateDisconnected, "")
}

func (g *Gateway) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	defer g.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			g.fail(gen, fmt.Errorf("read: %w", err), false)
			return
		}
		g.handleFrame(ctx, gen, string(data))
	}
}

func (g *Gateway) handleFrame(ctx context.Context, gen uint64, raw string) {
	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return
	}
	g.lastMessage = g.now()
	g.mu.Unlock()

	f, err := parseFrame(raw)
	if err != nil {
		metrics.RealtimeFrames.WithLabelValues("malformed").Inc()
		g.logger.Warn("malformed frame dropped", "err", err, "frame", truncate(raw))
		return
	}
	metrics.RealtimeFrames.WithLabelValues(f.Type.String()).Inc()

	switch f.Type {
	case frameOpen:
		if f.PingInterval > 0 {
			g.mu.Lock()
			g.pingInterval = time.Duration(f.PingInterval) * time.Millisecond
			g.mu.Unlock()
		}
	case frameConnect:
		g.onConnected(ctx, gen)
	case framePing:
		if err := g.write(gen, pongFrame); err != nil {
			g.logger.Debug("pong", "err", err)
		}
	case frameDisconnect, frameClose:
		g.fail(gen, errors.New("closed by server"), false)
	case frameError:
		g.logger.Warn("socket error frame", "payload", truncate(string(f.Payload)))
	case frameEvent:
		res, err := normalize.Normalize(f.Event, f.Payload)
		if err != nil {
			g.logger.Warn("malformed event dropped", "event", f.Event, "err", err, "frame", truncate(raw))
			return
		}
		if res.Kind == normalize.KindDisconnect {
			g.fail(gen, errors.New("disconnect requested by server"), false)
			return
		}
		g.hubs.Ingest(res)
	}
}

func (g *Gateway) onConnected(ctx context.Context, gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.stopped {
		g.mu.Unlock()
		return
	}
	g.state = StateConnected
	g.backoff.Reset()
	interval := g.pingInterval
	targets := g.hubTargetsLocked()
	g.mu.Unlock()

	g.logger.Info("real-time gateway connected", "hubs", len(targets))
	g.emitStatus(StateConnected, "")

	for _, hub := range targets {
		if err := g.Refresh(hub); err != nil {
			g.logger.Warn("request device list", "hub", hub, "err", err)
		}
	}

	g.wg.Add(1)
	go g.pingLoop(ctx, gen, interval)
}

func (g *Gateway) pingLoop(ctx context.Context, gen uint64, interval time.Duration) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.write(gen, pingFrame); err != nil {
				return
			}
		}
	}
}

// write sends a raw frame on connection gen.
func (g *Gateway) write(gen uint64, text string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.Lock()
	conn := g.conn
	if gen != g.gen || conn == nil {
		g.mu.Unlock()
		return ErrNotConnected
	}
	g.mu.Unlock()
	return g.writeConn(gen, conn, text)
}

func (g *Gateway) writeConn(gen uint64, conn *websocket.Conn, text string) error {
	ctx, cancel := context.WithTimeout(g.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		g.fail(gen, fmt.Errorf("write: %w", err), false)
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// send stamps msg with the next sequence number and writes it as a
// "message" event.
func (g *Gateway) send(msg map[string]any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.Lock()
	conn, gen := g.conn, g.gen
	if conn == nil || g.state != StateConnected {
		g.mu.Unlock()
		return ErrNotConnected
	}
	g.seq++
	msg["seq"] = g.seq
	g.mu.Unlock()

	text, err := encodeEvent("message", msg)
	if err != nil {
		return err
	}
	return g.writeConn(gen, conn, text)
}

// Refresh requests the full device list of a hub.
func (g *Gateway) Refresh(hubID string) error {
	return g.send(map[string]any{
		"msg": normalize.MsgDeviceList,
		"dst": hubID,
	})
}

// SetCommand sends a device command through a hub.
func (g *Gateway) SetCommand(hubID, zid, commandType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	return g.send(map[string]any{
		"msg":      normalize.MsgDeviceInfoSet,
		"datatype": normalize.DataTypeSet,
		"dst":      hubID,
		"body": []any{map[string]any{
			"zid": zid,
			"command": map[string]any{
				"v1": []any{map[string]any{"commandType": commandType, "data": data}},
			},
		}},
	})
}

// SetDevice writes device fields through a hub.
func (g *Gateway) SetDevice(hubID, zid string, data map[string]any) error {
	return g.send(map[string]any{
		"msg":      normalize.MsgDeviceInfoSet,
		"datatype": normalize.DataTypeSet,
		"dst":      hubID,
		"body": []any{map[string]any{
			"zid":    zid,
			"device": map[string]any{"v1": data},
		}},
	})
}

func (g *Gateway) watchdog() {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.checkLiveness(g.now())
		}
	}
}

// checkLiveness forces a reconnect when nothing was received for longer
// than the silence timeout and the connection is not up. It reports
// whether a reconnect was forced.
func (g *Gateway) checkLiveness(now time.Time) bool {
	g.mu.Lock()
	silence := now.Sub(g.lastMessage)
	if g.stopped || g.state == StateConnected || silence <= g.cfg.SilenceTimeout {
		g.mu.Unlock()
		return false
	}
	g.gen++
	conn, connCancel := g.conn, g.connCancel
	g.conn, g.connCancel = nil, nil
	if g.timer != nil {
		g.timer.Stop()
	}
	g.state = StateDisconnected
	g.mu.Unlock()

	if connCancel != nil {
		connCancel()
	}
	if conn != nil {
		conn.CloseNow()
	}
	metrics.RealtimeReconnects.WithLabelValues("watchdog").Inc()
	g.logger.Warn("real-time gateway silent, forcing reconnect", "silence", silence.Round(time.Second))
	g.connect()
	return true
}

func (g *Gateway) emitStatus(state State, detail string) {
	if g.events == nil {
		return
	}
	g.events.Emit(registry.Event{
		Type: registry.EventGatewayStatus,
		Data: registry.GatewayStatus{Status: state.String(), Detail: detail},
	})
}

func truncate(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
