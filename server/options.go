package server

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mini-ipc/auth"
	"mini-ipc/codec"
	"mini-ipc/registry"
)

// DebugEnv turns on call tracing when set to a non-empty value.
const DebugEnv = "MINIIPC_SERVER_DEBUG"

// AutoControl asks the server to derive the control endpoint from its first address.
const AutoControl = "auto"

// Config holds server settings. Build it through Options.
type Config struct {
	Addresses      []string
	ControlAddress string // "", AutoControl or an endpoint
	Auth           auth.Stack
	Logger         *zap.Logger
	Workers        int64 // calls executing at once
	ValueCodec     codec.ValueCodec
	Debug          bool

	Registry     registry.Registry
	RegistryName string
	Weight       int
	LeaseTTL     int64 // seconds

	Metrics prometheus.Registerer

	CallTimeout time.Duration // 0 = unbounded
	RateLimit   float64       // calls per second per exported type, 0 = unlimited
	RateBurst   int
}

func defaultConfig() Config {
	return Config{
		Logger:     zap.L(),
		Workers:    64,
		ValueCodec: codec.Default,
		Debug:      os.Getenv(DebugEnv) != "",
		LeaseTTL:   10,
	}
}

type Option func(*Config)

// WithAddress adds bind endpoints (tcp://, ipc://, inproc://, ws://).
func WithAddress(endpoints ...string) Option {
	return func(c *Config) { c.Addresses = append(c.Addresses, endpoints...) }
}

// WithControlAddress binds a separate endpoint for control frames. Pass AutoControl to
// derive it from the first address.
func WithControlAddress(endpoint string) Option {
	return func(c *Config) { c.ControlAddress = endpoint }
}

// WithAuth appends methods to the authentication stack.
func WithAuth(methods ...auth.Method) Option {
	return func(c *Config) { c.Auth = append(c.Auth, methods...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithWorkers bounds how many calls run at once.
func WithWorkers(n int64) Option {
	return func(c *Config) {
		if n > 0 {
			c.Workers = n
		}
	}
}

func WithValueCodec(vc codec.ValueCodec) Option {
	return func(c *Config) { c.ValueCodec = vc }
}

func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

// WithRegistry publishes the server under name once it is bound. A negative weight
// publishes it as draining: discovery lists it but balancers never pick it.
func WithRegistry(reg registry.Registry, name string, weight int) Option {
	return func(c *Config) {
		c.Registry, c.RegistryName, c.Weight = reg, name, weight
	}
}

// WithMetrics exports call and object metrics to reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Metrics = reg }
}

// WithCallTimeout fails calls that run longer than d with EXCEPTION.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.CallTimeout = d }
}

// WithRateLimit admits at most perSecond calls per exported type, with bursts of burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) {
		c.RateLimit = perSecond
		c.RateBurst = max(burst, 1)
	}
}
