package client

import (
	"time"

	"go.uber.org/zap"

	"mini-ipc/auth"
	"mini-ipc/cancel"
	"mini-ipc/codec"
	"mini-ipc/loadbalance"
	"mini-ipc/registry"
	"mini-ipc/transport"
)

const (
	DefaultCallTimeout    = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config holds client settings. Build it through Options.
type Config struct {
	// CallTimeout bounds the wait for one reply. 0 fails unless the reply is already
	// there; negative waits forever.
	CallTimeout time.Duration
	// ConnectTimeout bounds Start. 0 makes a single attempt; negative retries forever.
	ConnectTimeout time.Duration
	Heartbeat      time.Duration

	Auth            auth.Stack
	ValidateReplies bool
	Codec           codec.CodecType
	ValueCodec      codec.ValueCodec
	Logger          *zap.Logger

	ControlEndpoint string

	Registry    registry.Registry
	ServiceName string
	Balancer    loadbalance.Balancer
	AffinityKey string

	Interrupt cancel.Source
}

func defaultConfig() Config {
	return Config{
		CallTimeout:    DefaultCallTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		Heartbeat:      transport.DefaultHeartbeat,
		Codec:          codec.CodecTypeBinary,
		ValueCodec:     codec.Default,
		Logger:         zap.L(),
	}
}

type Option func(*Config)

func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.CallTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithHeartbeat sets the heartbeat interval; negative disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(c *Config) { c.Heartbeat = d }
}

// WithAuth appends methods to the authentication stack.
func WithAuth(methods ...auth.Method) Option {
	return func(c *Config) { c.Auth = append(c.Auth, methods...) }
}

// WithReplyValidation checks the auth stack on every reply as well.
func WithReplyValidation() Option {
	return func(c *Config) { c.ValidateReplies = true }
}

// WithCodec selects the envelope codec.
func WithCodec(ct codec.CodecType) Option {
	return func(c *Config) { c.Codec = ct }
}

// WithValueCodec selects the argument codec; it must match the server's.
func WithValueCodec(vc codec.ValueCodec) Option {
	return func(c *Config) { c.ValueCodec = vc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithControlEndpoint sends cancel and subscription frames over a second connection.
func WithControlEndpoint(endpoint string) Option {
	return func(c *Config) { c.ControlEndpoint = endpoint }
}

// WithDiscovery resolves the server by name instead of a fixed endpoint. key is the
// client's affinity key for key-based balancers.
func WithDiscovery(reg registry.Registry, name string, b loadbalance.Balancer, key string) Option {
	return func(c *Config) {
		c.Registry, c.ServiceName, c.Balancer, c.AffinityKey = reg, name, b, key
	}
}

// WithInterruptCancel cancels the running call when src fires (e.g. on Ctrl-C).
func WithInterruptCancel(src cancel.Source) Option {
	return func(c *Config) { c.Interrupt = src }
}
