// Package boundary implements the security boundary between the host and an
// isolated worker: the single message channel through which all traffic
// flows, with size limits, schema validation, optional authenticated
// encryption, and an audit trail entry for every message.
package boundary

import (
	"context"
	"crypto/cipher"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/enclave/audit"
)

// ErrorCode classifies a channel failure.
type ErrorCode string

const (
	ErrTooLarge    ErrorCode = "message_too_large"
	ErrSchema      ErrorCode = "schema_invalid"
	ErrDecrypt     ErrorCode = "decrypt_failed"
	ErrEncrypt     ErrorCode = "encrypt_failed"
	ErrClosed      ErrorCode = "channel_closed"
	ErrUnsupported ErrorCode = "unsupported_algorithm"
)

// ChannelError is a typed channel failure. In strict mode any validation
// failure also closes the channel.
type ChannelError struct {
	Code   ErrorCode
	Detail string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel error [%s]: %s", e.Code, e.Detail)
}

// Config controls boundary behavior. Zero values mean: no encryption, no
// schema validation, 1 MiB size limit, drop-and-continue on bad messages.
type Config struct {
	EncryptMessages bool   `yaml:"encryptMessages" json:"encryptMessages"`
	Algorithm       string `yaml:"algorithm" json:"algorithm"`
	ValidateSchema  bool   `yaml:"validateSchema" json:"validateSchema"`
	StrictMode      bool   `yaml:"strictMode" json:"strictMode"`
	MaxMessageSize  int    `yaml:"maxMessageSize" json:"maxMessageSize"`
	// QueueDepth bounds in-flight messages per direction.
	QueueDepth int `yaml:"queueDepth" json:"queueDepth"`
}

// DefaultConfig returns production boundary defaults.
func DefaultConfig() Config {
	return Config{
		EncryptMessages: true,
		Algorithm:       AlgorithmAESGCM,
		ValidateSchema:  true,
		StrictMode:      false,
		MaxMessageSize:  1 << 20,
		QueueDepth:      64,
	}
}

// Channel is the validated message pipe between the host and one worker.
// Ordering is FIFO per direction; nothing is shared between channels. Both
// endpoints apply the same validation so neither side can push an oversized
// or malformed frame to the other.
type Channel struct {
	id       string
	pluginID string
	cfg      Config
	aead     cipher.AEAD
	trail    *audit.Trail
	logger   *slog.Logger

	toWorker   chan []byte
	fromWorker chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewChannel establishes a channel for one plugin instance, deriving a fresh
// encryption key from the pool master key. The key is never reused across
// plugin instances.
func NewChannel(pluginID string, masterKey []byte, cfg Config, trail *audit.Trail, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}

	c := &Channel{
		id:         uuid.NewString(),
		pluginID:   pluginID,
		cfg:        cfg,
		trail:      trail,
		logger:     logger,
		toWorker:   make(chan []byte, cfg.QueueDepth),
		fromWorker: make(chan []byte, cfg.QueueDepth),
		done:       make(chan struct{}),
	}

	if cfg.EncryptMessages {
		if cfg.Algorithm != "" && cfg.Algorithm != AlgorithmAESGCM {
			return nil, &ChannelError{Code: ErrUnsupported, Detail: fmt.Sprintf("algorithm %q", cfg.Algorithm)}
		}
		key, err := deriveChannelKey(masterKey, c.id)
		if err != nil {
			return nil, fmt.Errorf("establish channel: %w", err)
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("establish channel: %w", err)
		}
		c.aead = aead
	}
	return c, nil
}

// ID returns the channel's unique id.
func (c *Channel) ID() string { return c.id }

// PluginID returns the plugin instance this channel serves.
func (c *Channel) PluginID() string { return c.pluginID }

// Send delivers a message from the host to the worker.
func (c *Channel) Send(ctx context.Context, m Message) error {
	return c.send(ctx, m, c.toWorker, "outbound")
}

// Receive blocks for the next worker-to-host message.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	return c.receive(ctx, c.fromWorker, "inbound")
}

// WorkerSend delivers a message from the worker to the host. The worker-side
// endpoint enforces the same validation as the host side.
func (c *Channel) WorkerSend(ctx context.Context, m Message) error {
	return c.send(ctx, m, c.fromWorker, "inbound")
}

// WorkerReceive blocks for the next host-to-worker message.
func (c *Channel) WorkerReceive(ctx context.Context) (Message, error) {
	return c.receive(ctx, c.toWorker, "outbound")
}

// Close severs the channel. Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// Closed reports whether the channel has been severed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) send(ctx context.Context, m Message, pipe chan []byte, direction string) error {
	if c.Closed() {
		return &ChannelError{Code: ErrClosed, Detail: "send on closed channel"}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.PluginID == "" {
		m.PluginID = c.pluginID
	}

	if c.cfg.ValidateSchema {
		if err := validateMessage(&m); err != nil {
			return c.fail(ctx, &ChannelError{Code: ErrSchema, Detail: err.Error()}, direction)
		}
	}

	frame, err := json.Marshal(m)
	if err != nil {
		return c.fail(ctx, &ChannelError{Code: ErrSchema, Detail: err.Error()}, direction)
	}
	if len(frame) > c.cfg.MaxMessageSize {
		return c.fail(ctx, &ChannelError{
			Code:   ErrTooLarge,
			Detail: fmt.Sprintf("message is %d bytes, limit %d", len(frame), c.cfg.MaxMessageSize),
		}, direction)
	}

	if c.aead != nil {
		if frame, err = seal(c.aead, frame); err != nil {
			return c.fail(ctx, &ChannelError{Code: ErrEncrypt, Detail: err.Error()}, direction)
		}
	}

	c.audit(ctx, "channel:message", audit.SeverityInfo, map[string]any{
		"direction": direction,
		"type":      m.Type,
		"bytes":     len(frame),
	})

	select {
	case pipe <- frame:
		return nil
	case <-c.done:
		return &ChannelError{Code: ErrClosed, Detail: "channel closed while sending"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) receive(ctx context.Context, pipe chan []byte, direction string) (Message, error) {
	var frame []byte
	select {
	case frame = <-pipe:
	case <-c.done:
		return Message{}, &ChannelError{Code: ErrClosed, Detail: "receive on closed channel"}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}

	if c.aead != nil {
		plain, err := open(c.aead, frame)
		if err != nil {
			return Message{}, c.fail(ctx, &ChannelError{Code: ErrDecrypt, Detail: err.Error()}, direction)
		}
		frame = plain
	}

	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, c.fail(ctx, &ChannelError{Code: ErrSchema, Detail: err.Error()}, direction)
	}
	if c.cfg.ValidateSchema {
		if err := validateMessage(&m); err != nil {
			return Message{}, c.fail(ctx, &ChannelError{Code: ErrSchema, Detail: err.Error()}, direction)
		}
	}
	return m, nil
}

// fail records a validation failure. Strict mode closes the channel; the
// default drops the message and keeps the session alive.
func (c *Channel) fail(ctx context.Context, cerr *ChannelError, direction string) error {
	severity := audit.SeverityWarning
	if c.cfg.StrictMode {
		severity = audit.SeverityCritical
	}
	c.audit(ctx, "channel:violation", severity, map[string]any{
		"direction": direction,
		"code":      string(cerr.Code),
		"detail":    cerr.Detail,
	})
	c.logger.Warn("Boundary validation failure",
		"plugin", c.pluginID, "channel", c.id, "code", cerr.Code, "detail", cerr.Detail)

	if c.cfg.StrictMode {
		_ = c.Close()
	}
	return cerr
}

func (c *Channel) audit(ctx context.Context, eventType string, sev audit.Severity, meta map[string]any) {
	if c.trail == nil {
		return
	}
	c.trail.Append(ctx, audit.Event{
		Type:     eventType,
		Severity: sev,
		PluginID: c.pluginID,
		Metadata: meta,
	})
}
