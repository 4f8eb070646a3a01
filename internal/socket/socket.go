// Package socket owns the single persistent realtime connection to the
// bridge server (component S): connect/reconnect lifecycle, tunnel-aware
// headers, payload decryption, event dedup, and health probing. It
// publishes decoded-but-unrouted events on the shared event bus; routing
// domain semantics belongs to internal/router (R).
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"nhooyr.io/websocket"

	"github.com/localbridge/bridged/internal/eventbus"
	"github.com/localbridge/bridged/internal/events"
)

// Options configures a Socket. Zero values resolve to the spec §4.3
// defaults via withDefaults.
type Options struct {
	Origin             string
	AuthKey            string
	EncryptionPassword string // empty disables payload decryption

	HealthInterval  time.Duration // default 30s
	HealthTimeout   time.Duration // default 5s, time to wait for an ack after a ping
	MaxMissedPings  int           // default 3

	ReconnectBase   time.Duration // default 1s
	ReconnectMax    time.Duration // default 30s
	JitterFactor    float64       // default 0.30
	JitterFloor     time.Duration // default 500ms

	// MaxReconnectAttempts bounds consecutive dial failures before the
	// breaker trips and S transitions to Failed (spec §4.3 "Terminal-on-cap").
	// 0 (default) means unbounded reconnect.
	MaxReconnectAttempts int

	DedupCapacity int // default 256
}

func (o Options) withDefaults() Options {
	if o.HealthInterval == 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.HealthTimeout == 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.MaxMissedPings == 0 {
		o.MaxMissedPings = 3
	}
	if o.ReconnectBase == 0 {
		o.ReconnectBase = time.Second
	}
	if o.ReconnectMax == 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.JitterFactor == 0 {
		o.JitterFactor = 0.30
	}
	if o.JitterFloor == 0 {
		o.JitterFloor = 500 * time.Millisecond
	}
	if o.DedupCapacity == 0 {
		o.DedupCapacity = 256
	}
	return o
}

// Socket manages the single outbound realtime connection (spec §4.3,
// §5 "S owns exactly one outbound network connection").
type Socket struct {
	bus *eventbus.Bus

	mu    sync.RWMutex
	opts  Options
	state events.SocketState
	conn  *websocket.Conn

	dedup *dedupFIFO

	// disconnect is closed to cancel an in-flight reconnect wait or health
	// wait; replaced with a fresh channel on every Run.
	disconnect chan struct{}

	breaker *gobreaker.CircuitBreaker

	ackCh chan struct{} // signaled by readLoop when a pong/ack event arrives
}

// New builds a Socket publishing decoded events on bus.
func New(bus *eventbus.Bus, opts Options) *Socket {
	opts = opts.withDefaults()
	s := &Socket{
		bus:   bus,
		opts:  opts,
		state: events.SocketDisconnected,
		dedup: newDedupFIFO(opts.DedupCapacity),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "socket-dial",
		MaxRequests: 1,
		Interval:    0, // never reset counts on a timer; only on successful Execute
		Timeout:     opts.ReconnectMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Unbounded reconnect is the default (spec §4.3 "Terminal-on-cap:
			// Failed when bounded reconnect budget is exhausted (unbounded by
			// default)"). Setting Options.MaxReconnectAttempts gives callers a
			// real budget: once consecutive dial failures reach it, the breaker
			// trips open and connectAndServe reports Failed instead of
			// scheduling another reconnect.
			return opts.MaxReconnectAttempts > 0 && counts.ConsecutiveFailures >= uint32(opts.MaxReconnectAttempts)
		},
	})
	return s
}

// State returns the current lifecycle state.
func (s *Socket) State() events.SocketState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Socket) setState(st events.SocketState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.bus.Publish(events.SocketStateChanged{State: st})
}

// UpdateServerAddress implements spec §4.3 "URL change": replaces the
// configured origin; if currently connected, forces a Reconnecting
// transition so the next dial uses the new origin.
func (s *Socket) UpdateServerAddress(origin string) {
	s.mu.Lock()
	s.opts.Origin = origin
	connected := s.state == events.SocketConnected
	conn := s.conn
	s.mu.Unlock()

	if connected && conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "address changed")
	}
}

// UpdateCredentials mutates the auth key and encryption password
// independently (spec §4.3).
func (s *Socket) UpdateCredentials(authKey, encryptionPassword string) {
	s.mu.Lock()
	s.opts.AuthKey = authKey
	s.opts.EncryptionPassword = encryptionPassword
	s.mu.Unlock()
}

// Run drives the connect/reconnect loop until ctx is cancelled or the
// socket transitions to Failed. It blocks; callers run it as a goroutine
// managed by the lifecycle registry (X).
func (s *Socket) Run(ctx context.Context) error {
	s.mu.Lock()
	s.disconnect = make(chan struct{})
	s.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.setState(events.SocketConnecting)
		err := s.connectAndServe(ctx)
		if err == nil {
			attempt = 0 // disconnect signalled (the only nil return): restart the backoff fresh
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.State() == events.SocketFailed {
			return fmt.Errorf("socket: reconnect budget exhausted: %w", err)
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("socket connection lost, reconnecting")
		s.setState(events.SocketReconnecting)

		delay := reconnectDelay(s.opts.ReconnectBase, s.opts.ReconnectMax, s.opts.JitterFactor, s.opts.JitterFloor, attempt)
		select {
		case <-time.After(delay):
		case <-s.disconnect:
			// A concurrent disconnect signal cancels the wait (spec §4.3).
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
}

// reconnectDelay implements spec §4.3: min(base*2^n, max) plus uniform
// jitter of ±jitterFactor*delay, floored at jitterFloor.
func reconnectDelay(base, max time.Duration, jitterFactor float64, floor time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > max || d < 0 {
		d = max
	}
	jitter := time.Duration(float64(d) * jitterFactor * (2*rand.Float64() - 1))
	d += jitter
	if d < floor {
		d = floor
	}
	return d
}

func (s *Socket) connectAndServe(ctx context.Context) error {
	s.mu.RLock()
	origin, authKey := s.opts.Origin, s.opts.AuthKey
	s.mu.RUnlock()

	wsURL, headers := buildDialTarget(origin, authKey)

	connAny, err := s.breaker.Execute(func() (any, error) {
		conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
		return conn, err
	})
	if err != nil {
		s.mu.RLock()
		failed := s.breaker.State() == gobreaker.StateOpen
		s.mu.RUnlock()
		if failed {
			s.setState(events.SocketFailed)
		}
		return fmt.Errorf("socket: dial: %w", err)
	}
	conn := connAny.(*websocket.Conn)

	s.mu.Lock()
	s.conn = conn
	s.ackCh = make(chan struct{}, 1)
	s.mu.Unlock()
	s.setState(events.SocketConnected)
	defer conn.Close(websocket.StatusNormalClosure, "")

	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop(ctx, conn) }()
	go func() { errCh <- s.healthLoop(ctx, conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.disconnect:
		return nil
	}
}

// buildDialTarget composes the websocket URL (origin + auth query param)
// and the tunnel-aware header set (spec §4.2/§4.3 share the same policy).
func buildDialTarget(origin, authKey string) (string, http.Header) {
	scheme := "ws"
	rest := origin
	if strings.HasPrefix(origin, "https://") {
		scheme = "wss"
		rest = strings.TrimPrefix(origin, "https://")
	} else if strings.HasPrefix(origin, "http://") {
		rest = strings.TrimPrefix(origin, "http://")
	} else if strings.HasPrefix(origin, "wss://") || strings.HasPrefix(origin, "ws://") {
		return fmt.Sprintf("%s/socket.io/?guid=%s", origin, authKey), tunnelHeadersFor(origin)
	}

	url := fmt.Sprintf("%s://%s/socket.io/?guid=%s", scheme, rest, authKey)
	return url, tunnelHeadersFor(origin)
}

func tunnelHeadersFor(origin string) http.Header {
	h := http.Header{}
	lower := strings.ToLower(origin)
	if strings.Contains(lower, "ngrok") {
		h.Set("ngrok-skip-browser-warning", "true")
	}
	if strings.Contains(lower, "zrok") {
		h.Set("skip_zrok_interstitial", "true")
	}
	return h
}

type wireEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		s.mu.RLock()
		password := s.opts.EncryptionPassword
		s.mu.RUnlock()

		payload := raw
		if password != "" {
			decrypted, err := decryptPayload(password, string(raw))
			if err != nil {
				log.Warn().Err(err).Msg("socket: failed to decrypt payload, dropping")
				continue
			}
			payload = decrypted
		}

		var we wireEvent
		if err := json.Unmarshal(payload, &we); err != nil {
			log.Warn().Err(err).Msg("socket: failed to parse payload, dropping")
			continue
		}

		if we.Name == "pong" || we.Name == "ack" {
			select {
			case s.ackCh <- struct{}{}:
			default:
			}
			continue
		}

		if key, ok := dedupKey(we.Name, we.Data); ok {
			if s.dedup.SeenOrAdd(key) {
				continue
			}
		}

		s.bus.Publish(events.InboundRealtimeEvent{Name: we.Name, Data: we.Data})
	}
}

// dedupKey extracts "<event_name>:<guid>" for message-class events
// (new-message, updated-message) that carry a top-level "guid" field (spec
// §4.3 "Deduplication"). Other events, and events with no guid field, are
// not deduplicated at this layer.
func dedupKey(name string, data json.RawMessage) (string, bool) {
	if name != "new-message" && name != "updated-message" {
		return "", false
	}
	var probe struct {
		GUID string `json:"guid"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.GUID == "" {
		return "", false
	}
	return name + ":" + probe.GUID, true
}

func (s *Socket) healthLoop(ctx context.Context, conn *websocket.Conn) error {
	s.mu.RLock()
	interval, timeout, maxMissed := s.opts.HealthInterval, s.opts.HealthTimeout, s.opts.MaxMissedPings
	s.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"ping"}`)); err != nil {
				return err
			}
			select {
			case <-s.ackCh:
				missed = 0
			case <-time.After(timeout):
				missed++
				log.Warn().Int("missed", missed).Msg("socket: missed health ping ack")
				if missed >= maxMissed {
					return fmt.Errorf("socket: exceeded max missed pings (%d)", maxMissed)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
