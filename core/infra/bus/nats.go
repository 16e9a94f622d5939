package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/teamflow/core/infra/logging"
)

// NatsBus carries signed sync frames over NATS, one subject per team.
// With NATS_USE_JETSTREAM set, frames are persisted so a peer that was
// offline replays what it missed from its durable consumer.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
	peerID    string
	teams     []string

	mu      sync.Mutex
	handler func([]byte) bool
	subs    []*nats.Subscription
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	envNATSTLSCA       = "NATS_TLS_CA"
	envNATSTLSCert     = "NATS_TLS_CERT"
	envNATSTLSKey      = "NATS_TLS_KEY"
	envNATSTLSInsecure = "NATS_TLS_INSECURE"

	defaultAckWait = 30 * time.Second
	defaultMaxAge  = 7 * 24 * time.Hour

	streamSync        = "TEAMFLOW_SYNC"
	syncSubjectPrefix = "teamflow.sync."
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilHandler = errors.New("nil handler")
	errEmptyTeam  = errors.New("empty team id")
	errEmptyFrame = errors.New("empty frame")
)

// NewNatsBus dials NATS at url and prepares subscriptions for teams.
func NewNatsBus(url, peerID string, teams []string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("teamflow-" + peerID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsConfig, err := natsTLSFromEnv().config()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait, peerID: peerID, teams: append([]string(nil), teams...)}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and shuts down the connection.
func (b *NatsBus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()
	b.nc.Close()
}

// SyncSubject is the subject carrying a team's frames.
func SyncSubject(teamID string) string {
	if teamID == "" {
		return ""
	}
	return syncSubjectPrefix + teamID
}

// Broadcast publishes data to every peer of teamID. A closed or
// disconnected connection returns a RetryableError so the caller parks the frame.
func (b *NatsBus) Broadcast(ctx context.Context, teamID string, data []byte) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if teamID == "" {
		return errEmptyTeam
	}
	if len(data) == 0 {
		return errEmptyFrame
	}
	if !b.nc.IsConnected() {
		return RetryAfter(fmt.Errorf("nats %s", b.nc.Status()), 2*time.Second)
	}
	subject := SyncSubject(teamID)
	if b.jsEnabled {
		opts := []nats.PubOpt{nats.Context(ctx)}
		if msgID := computeMsgID(subject, data); msgID != "" {
			opts = append(opts, nats.MsgId(msgID))
		}
		if _, err := b.js.Publish(subject, data, opts...); err != nil {
			return RetryAfter(err, time.Second)
		}
		return nil
	}
	return b.nc.Publish(subject, data)
}

// OnMessage installs handler and subscribes to every configured team.
func (b *NatsBus) OnMessage(handler func([]byte) bool) {
	if err := b.Subscribe(handler); err != nil {
		logging.Error("bus", "subscribe failed", "error", err)
	}
}

// Subscribe is OnMessage with the subscription error surfaced.
func (b *NatsBus) Subscribe(handler func([]byte) bool) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if handler == nil {
		return errNilHandler
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	if len(b.subs) > 0 {
		return nil
	}
	for _, team := range b.teams {
		sub, err := b.subscribeTeam(team)
		if err != nil {
			return fmt.Errorf("subscribe team %s: %w", team, err)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

func (b *NatsBus) deliver(data []byte) bool {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		return false
	}
	return h(data)
}

func (b *NatsBus) subscribeTeam(team string) (*nats.Subscription, error) {
	subject := SyncSubject(team)
	if b.jsEnabled {
		cb := func(msg *nats.Msg) {
			// Dropped frames are acked too: a bad signature never becomes valid.
			b.deliver(msg.Data)
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, b.peerID); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		return b.js.Subscribe(subject, cb, opts...)
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.deliver(msg.Data)
	})
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	return parseBool(os.Getenv(envUseJetStream))
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Warn("bus", "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Warn("bus", "jetstream not available", "error", err)
		return
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamSync,
		Subjects:   []string{syncSubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		// Stream may already exist.
		if _, infoErr := js.StreamInfo(streamSync); infoErr != nil {
			logging.Warn("bus", "jetstream ensure stream failed", "stream", streamSync, "error", err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info("bus", "jetstream enabled", "stream", streamSync, "ack_wait", ackWait, "max_age", maxAge)
}

func durableName(subject, peerID string) string {
	name := sanitizeName(subject)
	if name == "" {
		return ""
	}
	peer := sanitizeName(peerID)
	if peer == "" {
		return "dur_" + name
	}
	return "dur_" + peer + "__" + name
}

func sanitizeName(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return strings.TrimSpace(s)
}

// computeMsgID lets JetStream drop republished frames by envelope id.
func computeMsgID(subject string, data []byte) string {
	var ids struct {
		MessageID string `json:"message_id"`
		OpID      string `json:"op_id"`
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return ""
	}
	id := strings.TrimSpace(ids.MessageID)
	if id == "" {
		id = strings.TrimSpace(ids.OpID)
	}
	if id == "" {
		return ""
	}
	return subject + ":" + id
}

// natsTLS names the PEM files a peer uses to reach a TLS-only NATS server.
// A client certificate needs both Cert and Key; CA alone only pins the server.
type natsTLS struct {
	CA       string
	Cert     string
	Key      string
	Insecure bool
}

func natsTLSFromEnv() natsTLS {
	return natsTLS{
		CA:       strings.TrimSpace(os.Getenv(envNATSTLSCA)),
		Cert:     strings.TrimSpace(os.Getenv(envNATSTLSCert)),
		Key:      strings.TrimSpace(os.Getenv(envNATSTLSKey)),
		Insecure: parseBool(os.Getenv(envNATSTLSInsecure)),
	}
}

// config returns nil when no TLS setting is present, so the peer dials plain NATS.
func (n natsTLS) config() (*tls.Config, error) {
	if n == (natsTLS{}) {
		return nil, nil
	}
	if (n.Cert == "") != (n.Key == "") {
		return nil, fmt.Errorf("nats tls: %s and %s must be set together", envNATSTLSCert, envNATSTLSKey)
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: n.Insecure} // #nosec G402 -- opt-in for lab setups.
	if n.CA != "" {
		// #nosec G304 -- path comes from the peer's own environment.
		raw, err := os.ReadFile(n.CA)
		if err != nil {
			return nil, fmt.Errorf("nats tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(raw) {
			return nil, fmt.Errorf("nats tls ca %s: no certificates found", n.CA)
		}
		cfg.RootCAs = pool
	}
	if n.Cert != "" {
		pair, err := tls.LoadX509KeyPair(n.Cert, n.Key)
		if err != nil {
			return nil, fmt.Errorf("nats tls client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
