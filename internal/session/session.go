// Package session is the client side of the presence protocol: it keeps one
// connection to the server alive, re-joins after every reconnect, pings on a
// fixed interval and renders counts into a Document.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"liveuser/internal/protocol"
)

const (
	StatusConnecting   = "Connecting..."
	StatusConnected    = "Connected"
	StatusReconnecting = "Disconnected, reconnecting..."
	StatusError        = "Connection error"
	StatusLoading      = "Loading..."

	AttrLiveCount  = "data-live-count"
	AttrTotalCount = "data-total-count"
)

var (
	ErrNoDisplay = errors.New("display element not found")
	ErrClosed    = errors.New("session closed")
	ErrStarted   = errors.New("session already started")
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Element is a display target, such as a DOM node or a terminal cell.
type Element interface {
	SetText(text string)
	SetAttribute(name, value string)
}

// Document looks up display elements by id. Element returns nil when the id
// is unknown.
type Document interface {
	Element(id string) Element
}

type eventKind int

const (
	eventDialed eventKind = iota
	eventMessage
	eventTransportDone
	eventReconnect
	eventHeartbeat
)

type event struct {
	kind      eventKind
	gen       uint64
	transport Transport
	payload   []byte
	err       error
}

// Session is a reconnecting presence client. All state changes happen on one
// goroutine; transports and timers only post events to it.
type Session struct {
	cfg      protocol.ClientConfig
	doc      Document
	clock    Clock
	dialer   Dialer
	logger   *slog.Logger
	clientID string

	events    chan event
	quit      chan struct{}
	stopping  chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// postMu orders post against the final drain in shutdown.
	postMu  sync.Mutex
	drained bool

	mu      sync.Mutex
	state   State
	status  string
	started bool

	// owned by the loop goroutine
	display        Element
	totalDisplay   Element
	gen            uint64
	transport      Transport
	reconnectTimer Timer
	reconnectSeq   uint64
	heartbeatTimer Timer
}

// Option customizes a Session.
type Option func(*Session)

func WithClock(clock Clock) Option {
	return func(s *Session) { s.clock = clock }
}

func WithDialer(dialer Dialer) Option {
	return func(s *Session) { s.dialer = dialer }
}

// WithLogger replaces the default logger. Without it the session logs through
// slog.Default when cfg.Debug is set and stays silent otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithClientID(clientID string) Option {
	return func(s *Session) { s.clientID = clientID }
}

func New(cfg protocol.ClientConfig, doc Document, opts ...Option) *Session {
	cfg.ApplyDefaults()
	s := &Session{
		cfg:    cfg,
		doc:    doc,
		clock:  realClock{},
		dialer: WebsocketDialer{},
		events: make(chan event, 16),
		quit:     make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		if cfg.Debug {
			s.logger = slog.Default().With("component", "liveuser")
		} else {
			s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
	}
	if s.clientID == "" {
		s.clientID = uuid.NewString()
	}
	return s
}

func (s *Session) ClientID() string {
	return s.clientID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is the last status text written to the display.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// URL is the websocket endpoint this session dials.
func (s *Session) URL() string {
	base := s.cfg.ServerURL
	if strings.HasPrefix(base, "http") {
		base = "ws" + strings.TrimPrefix(base, "http")
	}
	target := base + "ws?siteId=" + url.QueryEscape(s.cfg.SiteID) + "&clientId=" + url.QueryEscape(s.clientID)
	if s.cfg.EnableTotalCount {
		target += "&enableTotalCount=true"
	}
	return target
}

// Start resolves the display elements and begins connecting. Without a
// display element the session never starts.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	display := s.doc.Element(s.cfg.DisplayElementID)
	if display == nil {
		s.mu.Unlock()
		s.logger.Error("display element not found", "id", s.cfg.DisplayElementID)
		return ErrNoDisplay
	}
	s.started = true
	s.mu.Unlock()

	s.display = display
	if s.cfg.EnableTotalCount {
		s.totalDisplay = s.doc.Element(s.cfg.TotalCountElementID)
		if s.totalDisplay == nil {
			s.logger.Warn("total count element not found", "id", s.cfg.TotalCountElementID)
		}
	}
	s.logger.Info("session starting", "site", s.cfg.SiteID, "clientId", s.clientID, "totals", s.cfg.EnableTotalCount)

	s.connect(ctx)
	go s.loop(ctx)
	return nil
}

// Close stops the session for good. It is idempotent and waits for the
// event loop to exit when the session was started.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	s.mu.Lock()
	started := s.started
	if !started {
		s.state = StateClosed
	}
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

func (s *Session) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-s.quit:
			s.shutdown()
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventDialed:
		s.onDialed(ctx, ev)
	case eventMessage:
		if ev.gen == s.gen && s.transport != nil {
			s.onMessage(ev.payload)
		}
	case eventTransportDone:
		if ev.gen == s.gen && s.transport != nil {
			s.disconnected(ev.err)
		}
	case eventReconnect:
		if ev.gen == s.reconnectSeq && s.reconnectTimer != nil {
			s.reconnectTimer = nil
			s.logger.Debug("attempting to reconnect")
			s.connect(ctx)
		}
	case eventHeartbeat:
		if ev.gen == s.gen && s.transport != nil {
			s.sendHeartbeat()
		}
	}
}

// post hands an event to the loop. Once the loop is shutting down a
// transport carried by the event is closed instead.
func (s *Session) post(ev event) {
	s.postMu.Lock()
	defer s.postMu.Unlock()
	if s.drained {
		discard(ev)
		return
	}
	select {
	case s.events <- ev:
	case <-s.stopping:
		discard(ev)
	}
}

func discard(ev event) {
	if ev.transport != nil {
		_ = ev.transport.Close()
	}
}

// drain closes transports still queued for the loop. After it returns no
// further event can be queued.
func (s *Session) drain() {
	close(s.stopping)
	s.postMu.Lock()
	s.drained = true
	s.postMu.Unlock()
	for {
		select {
		case ev := <-s.events:
			discard(ev)
		default:
			return
		}
	}
}

func (s *Session) connect(ctx context.Context) {
	s.gen++
	gen := s.gen
	s.setStatus(StatusConnecting)
	s.setState(StateConnecting)
	target := s.URL()
	s.logger.Debug("connecting", "url", target)
	go func() {
		transport, err := s.dialer.Dial(ctx, target)
		s.post(event{kind: eventDialed, gen: gen, transport: transport, err: err})
	}()
}

func (s *Session) onDialed(ctx context.Context, ev event) {
	if ev.gen != s.gen || s.State() != StateConnecting {
		if ev.transport != nil {
			_ = ev.transport.Close()
		}
		return
	}
	if ev.err != nil {
		s.disconnected(ev.err)
		return
	}
	s.transport = ev.transport
	s.setStatus(StatusConnected)
	s.logger.Info("connected", "site", s.cfg.SiteID)
	go s.readLoop(ev.gen, ev.transport)

	if err := s.send(protocol.Join(s.cfg.SiteID, s.clientID)); err != nil {
		s.disconnected(err)
		return
	}
	s.armHeartbeat()
	s.setState(StateConnected)
}

func (s *Session) readLoop(gen uint64, transport Transport) {
	for {
		payload, err := transport.Read()
		if err != nil {
			s.post(event{kind: eventTransportDone, gen: gen, err: err})
			return
		}
		s.post(event{kind: eventMessage, gen: gen, payload: payload})
	}
}

func (s *Session) onMessage(payload []byte) {
	msg, err := protocol.Decode(payload)
	if errors.Is(err, protocol.ErrUnknownType) {
		s.logger.Warn("unknown message type", "type", msg.Type)
		return
	}
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err)
		return
	}
	switch msg.Type {
	case protocol.TypeUpdate:
		s.logger.Debug("update", "count", msg.CountValue())
		s.render(msg.CountValue(), msg.TotalCount)
	case protocol.TypeHeartbeat:
		s.renderTotal(msg.TotalCount)
	case protocol.TypeShutdown:
		text := msg.Message
		if text == "" {
			text = protocol.DefaultShutdownMessage
		}
		s.logger.Info("server shutting down", "message", text)
		s.setStatus(text)
		s.disconnected(io.EOF)
	default:
		s.logger.Warn("unexpected message", "type", msg.Type)
	}
}

// disconnected tears down the current transport and schedules exactly one
// reconnect. Bumping gen turns every event still in flight from the old
// transport into a no-op.
func (s *Session) disconnected(err error) {
	if err != nil && !errors.Is(err, io.EOF) {
		s.logger.Warn("connection error", "error", err)
		s.setStatus(StatusError)
	}
	s.stopHeartbeat()
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.gen++
	s.setStatus(StatusReconnecting)
	s.scheduleReconnect()
	s.setState(StateDisconnected)
}

func (s *Session) scheduleReconnect() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectSeq++
	seq := s.reconnectSeq
	delay := time.Duration(s.cfg.ReconnectDelay) * time.Millisecond
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.post(event{kind: eventReconnect, gen: seq})
	})
}

func (s *Session) armHeartbeat() {
	gen := s.gen
	s.heartbeatTimer = s.clock.AfterFunc(protocol.HeartbeatInterval, func() {
		s.post(event{kind: eventHeartbeat, gen: gen})
	})
}

func (s *Session) stopHeartbeat() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
}

func (s *Session) sendHeartbeat() {
	if err := s.send(protocol.HeartbeatPing(s.cfg.SiteID, s.clientID, time.Now())); err != nil {
		s.disconnected(err)
		return
	}
	s.armHeartbeat()
}

func (s *Session) send(msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	s.logger.Debug("sending", "type", msg.Type)
	return s.transport.Write(data)
}

func (s *Session) shutdown() {
	s.stopHeartbeat()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.drain()
	s.gen++
	s.setState(StateClosed)
	s.logger.Info("session closed")
}

func (s *Session) render(count int, total *int64) {
	s.display.SetText(FormatNumber(int64(count)))
	s.display.SetAttribute(AttrLiveCount, strconv.Itoa(count))
	s.renderTotal(total)
}

func (s *Session) renderTotal(total *int64) {
	if !s.cfg.EnableTotalCount || s.totalDisplay == nil || total == nil {
		return
	}
	s.totalDisplay.SetText(FormatNumber(*total))
	s.totalDisplay.SetAttribute(AttrTotalCount, strconv.FormatInt(*total, 10))
}

func (s *Session) setStatus(text string) {
	s.display.SetText(text)
	if text == StatusConnecting && s.cfg.EnableTotalCount && s.totalDisplay != nil {
		s.totalDisplay.SetText(StatusLoading)
	}
	s.mu.Lock()
	s.status = text
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
