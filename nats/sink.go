package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dirwatch/dirwatch"
)

func init() {
	dirwatch.RegisterSinkFactory("nats", NewSinkFromURL)
}

// SinkType is the sink type for this package.
const SinkType = "nats"

var _ dirwatch.Sink = (*Sink)(nil)

// Sink publishes changes to NATS subjects. Each change is published once
// per event kind it carries, on "<prefix>.<kind>", so subscribers can
// filter by kind with ordinary subject wildcards.
type Sink struct {
	mu     sync.Mutex
	nc     *nats.Conn
	logger *slog.Logger

	// Configuration
	URL           string // NATS server URL
	SubjectPrefix string // Subject prefix for published changes
	JWT           string // JWT token for authentication
	Seed          string // Seed for JWT authentication
	Creds         string // Credentials file path
	NKey          string // NKey for authentication
	Username      string // Username for authentication
	Password      string // Password for authentication
	Token         string // Token for authentication

	// TLS configuration
	RootCAs    []string // Root CA certificates
	ClientCert string   // Client certificate file path
	ClientKey  string   // Client key file path

	// Connection options
	MaxReconnects    int                          // Maximum reconnection attempts (-1 for unlimited)
	ReconnectWait    time.Duration                // Wait time between reconnection attempts
	ReconnectJitter  time.Duration                // Random jitter for reconnection
	Timeout          time.Duration                // Connection timeout
	PingInterval     time.Duration                // Ping interval
	MaxPingsOut      int                          // Maximum number of pings without response
	ReconnectBufSize int                          // Reconnection buffer size
	UserJWT          func() (string, error)       // JWT callback
	SigCB            func([]byte) ([]byte, error) // Signature callback
}

// NewSink returns a new instance of Sink.
func NewSink() *Sink {
	return &Sink{
		logger:           slog.Default().WithGroup(SinkType),
		MaxReconnects:    -1, // Unlimited
		ReconnectWait:    2 * time.Second,
		Timeout:          10 * time.Second,
		PingInterval:     2 * time.Minute,
		MaxPingsOut:      2,
		ReconnectBufSize: 8 * 1024 * 1024, // 8MB
	}
}

// NewSinkFromURL creates a new Sink from URL components.
// This is used by the sink factory registration.
// URL format: nats://[user:pass@]host[:port]/subject.prefix
func NewSinkFromURL(scheme string, host, urlPath string, query url.Values, userinfo *url.Userinfo) (dirwatch.Sink, error) {
	sink := NewSink()

	// Reconstruct URL without subject path
	if host != "" {
		sink.URL = fmt.Sprintf("nats://%s", host)
	}

	// Extract credentials from userinfo if present
	if userinfo != nil {
		sink.Username = userinfo.Username()
		sink.Password, _ = userinfo.Password()
	}

	// Extract subject prefix from path
	prefix := strings.Trim(urlPath, "/")
	if prefix == "" || prefix == "." {
		return nil, fmt.Errorf("subject prefix required for nats sink URL")
	}
	sink.SubjectPrefix = prefix

	return sink, nil
}

// Name identifies the sink in logs.
func (s *Sink) Name() string {
	u := s.URL
	if u == "" {
		u = nats.DefaultURL
	}
	return fmt.Sprintf("%s/%s", u, s.SubjectPrefix)
}

// Init establishes the connection to the NATS server. No-op if already
// connected. WriteChange connects lazily, so calling Init is only needed
// to fail fast on configuration errors.
func (s *Sink) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connect(ctx)
}

// connect establishes a connection to the NATS server with proper
// configuration. Callers must hold s.mu.
func (s *Sink) connect(_ context.Context) error {
	if s.nc != nil {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(s.MaxReconnects),
		nats.ReconnectWait(s.ReconnectWait),
		nats.ReconnectJitter(s.ReconnectJitter, s.ReconnectJitter*2),
		nats.Timeout(s.Timeout),
		nats.PingInterval(s.PingInterval),
		nats.MaxPingsOutstanding(s.MaxPingsOut),
		nats.ReconnectBufSize(s.ReconnectBufSize),
	}

	// Authentication options
	switch {
	case s.JWT != "" && s.Seed != "":
		opts = append(opts, nats.UserJWTAndSeed(s.JWT, s.Seed))
	case s.Creds != "":
		opts = append(opts, nats.UserCredentials(s.Creds))
	case s.NKey != "":
		opts = append(opts, nats.Nkey(s.NKey, s.SigCB))
	case s.Username != "" && s.Password != "":
		opts = append(opts, nats.UserInfo(s.Username, s.Password))
	case s.Token != "":
		opts = append(opts, nats.Token(s.Token))
	}
	// JWT callback
	if s.UserJWT != nil {
		opts = append(opts, nats.UserJWT(s.UserJWT, s.SigCB))
	}

	// TLS configuration
	if s.ClientCert != "" && s.ClientKey != "" {
		opts = append(opts, nats.ClientCert(s.ClientCert, s.ClientKey))
	}
	if len(s.RootCAs) > 0 {
		opts = append(opts, nats.RootCAs(s.RootCAs...))
	}

	u := s.URL
	if u == "" {
		u = nats.DefaultURL
	}

	nc, err := nats.Connect(u, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	s.nc = nc
	s.logger.Debug("connected", "url", u)
	return nil
}

// record is the wire form of a single change.
type record struct {
	Timestamp time.Time `json:"ts"`
	Path      string    `json:"path"`
	Events    []string  `json:"events"`
}

// WriteChange publishes one change, once per distinct event kind it
// carries. Changes without events are published on "<prefix>.change".
func (s *Sink) WriteChange(ctx context.Context, change dirwatch.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return err
	}

	events := make([]string, 0, len(change.Events))
	for _, event := range change.Events {
		events = append(events, event.String())
	}

	buf, err := json.Marshal(record{
		Timestamp: time.Now().UTC(),
		Path:      change.Path,
		Events:    events,
	})
	if err != nil {
		return err
	}

	for _, kind := range changeKinds(change) {
		if err := s.nc.Publish(s.SubjectPrefix+"."+kind, buf); err != nil {
			return fmt.Errorf("publish %s: %w", kind, err)
		}
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc == nil {
		return nil
	}

	err := s.nc.FlushTimeout(2 * time.Second)
	s.nc.Close()
	s.nc = nil
	return err
}

// changeKinds returns the distinct event kind names of a change in the
// order they occur. Changes without events map to "change".
func changeKinds(change dirwatch.Change) []string {
	if len(change.Events) == 0 {
		return []string{"change"}
	}

	var kinds []string
	seen := make(map[string]struct{})
	for _, event := range change.Events {
		kind := event.Kind.String()
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		kinds = append(kinds, kind)
	}
	return kinds
}
