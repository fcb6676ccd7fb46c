package vcd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshInterval = time.Hour
	// retired clients stay usable for this long so in-flight calls keep valid credentials
	defaultRetireGracePeriod = 10 * time.Minute
)

// Credentials are the login settings of the platform session
type Credentials struct {
	Host      string `validate:"required,hostname_rfc1123|ip"`
	Port      int    `validate:"gte=1,lte=65535"`
	Org       string `validate:"required"`
	Username  string `validate:"required"`
	Password  string `validate:"required"`
	VerifySSL bool
}

// CredentialsSource returns the credentials to log in with. It is called on every rehydration
// so rotated secrets are picked up.
type CredentialsSource func(ctx context.Context) (Credentials, error)

// Connector opens an authenticated Client
type Connector func(ctx context.Context, creds Credentials) (Client, error)

// ErrSessionClosed is returned by Client once the session has been stopped
var ErrSessionClosed = errors.New("platform session is closed")

type snapshot struct {
	client      Client
	generation  uint64
	connectedAt time.Time
}

// Session owns the shared platform connection. Readers get an immutable snapshot of the
// current client; rehydration builds a new client and swaps it in atomically, the
// previous one is disconnected after a grace period.
type Session struct {
	source  CredentialsSource
	connect Connector

	interval    time.Duration
	gracePeriod time.Duration
	onRehydrate func(ctx context.Context, err error)
	log         logr.Logger

	current atomic.Pointer[snapshot]
	closed  atomic.Bool
	group   singleflight.Group
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithRefreshInterval sets how often Start rehydrates the session
func WithRefreshInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRetireGracePeriod sets how long a replaced client is kept open
func WithRetireGracePeriod(d time.Duration) SessionOption {
	return func(s *Session) {
		s.gracePeriod = d
	}
}

// WithRehydrateHook registers a callback invoked after every rehydration attempt
func WithRehydrateHook(fn func(ctx context.Context, err error)) SessionOption {
	return func(s *Session) {
		s.onRehydrate = fn
	}
}

// WithLogger sets the session logger
func WithLogger(log logr.Logger) SessionOption {
	return func(s *Session) {
		s.log = log
	}
}

// NewSession creates a session. No connection is opened until Client or Start is called.
func NewSession(source CredentialsSource, connect Connector, opts ...SessionOption) *Session {
	s := &Session{
		source:      source,
		connect:     connect,
		interval:    defaultRefreshInterval,
		gracePeriod: defaultRetireGracePeriod,
		log:         logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Client returns the current client, connecting first if needed.
// The returned client stays valid for the whole call even if a rehydration happens meanwhile.
func (s *Session) Client(ctx context.Context) (Client, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if snap := s.current.Load(); snap != nil {
		return snap.client, nil
	}
	if err := s.Rehydrate(ctx); err != nil {
		return nil, err
	}
	snap := s.current.Load()
	if snap == nil {
		return nil, ErrSessionClosed
	}
	return snap.client, nil
}

// Generation is incremented by every successful rehydration
func (s *Session) Generation() uint64 {
	if snap := s.current.Load(); snap != nil {
		return snap.generation
	}
	return 0
}

// Rehydrate logs in again with fresh credentials and swaps the current client.
// Concurrent calls share a single login.
func (s *Session) Rehydrate(ctx context.Context) error {
	_, err, _ := s.group.Do("rehydrate", func() (any, error) {
		return nil, s.rehydrate(ctx)
	})
	if s.onRehydrate != nil {
		s.onRehydrate(ctx, err)
	}
	return err
}

func (s *Session) rehydrate(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	creds, err := s.source(ctx)
	if err != nil {
		return fmt.Errorf("failed to load platform credentials: %w", err)
	}
	cli, err := s.connect(ctx, creds)
	if err != nil {
		return fmt.Errorf("failed to open platform session to %s: %w", creds.Host, err)
	}

	var generation uint64 = 1
	if prev := s.current.Load(); prev != nil {
		generation = prev.generation + 1
	}
	prev := s.current.Swap(&snapshot{client: cli, generation: generation, connectedAt: time.Now()})
	s.log.V(1).Info("platform session rehydrated", "host", creds.Host, "org", creds.Org, "generation", generation)
	if prev != nil {
		s.retire(prev)
	}
	return nil
}

func (s *Session) retire(prev *snapshot) {
	disconnect := func() {
		if err := prev.client.Disconnect(); err != nil {
			s.log.V(1).Info("failed to disconnect retired platform session", "generation", prev.generation, "error", err.Error())
		}
	}
	if s.gracePeriod <= 0 {
		disconnect()
		return
	}
	time.AfterFunc(s.gracePeriod, disconnect)
}

// Start rehydrates the session on a fixed interval until ctx is done.
// It implements manager.Runnable.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Rehydrate(ctx); err != nil {
		// reconcilers retry lazily through Client, keep the timer running
		s.log.Error(err, "initial platform login failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return nil
		case <-ticker.C:
			if err := s.Rehydrate(ctx); err != nil {
				s.log.Error(err, "platform session refresh failed")
			}
		}
	}
}

// Close disconnects the current client. Later calls to Client fail with ErrSessionClosed.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if prev := s.current.Swap(nil); prev != nil {
		if err := prev.client.Disconnect(); err != nil {
			s.log.V(1).Info("failed to disconnect platform session", "error", err.Error())
		}
	}
}
