package engine

import "time"

// Config holds the tunables of the delivery engine. Defaults mirror a small
// single-process deployment; every value can be overridden through the
// environment with pkg/config.Load.
type Config struct {
	QueueSize              int           `env:"PUSHKIT_QUEUE_SIZE" envDefault:"1000"`                // QueueSize bounds the global intake queue.
	PendingPerRecipient    int           `env:"PUSHKIT_PENDING_LIMIT" envDefault:"100"`              // PendingPerRecipient caps buffered events per offline recipient.
	MaxStreamsPerRecipient int           `env:"PUSHKIT_MAX_STREAMS" envDefault:"5"`                  // MaxStreamsPerRecipient caps concurrent streams per recipient.
	StreamBufferSize       int           `env:"PUSHKIT_STREAM_BUFFER" envDefault:"100"`              // StreamBufferSize is the per-connection frame buffer.
	MaxRetries             int           `env:"PUSHKIT_MAX_RETRIES" envDefault:"3"`                  // MaxRetries bounds delivery attempts per event.
	RetryBaseDelay         time.Duration `env:"PUSHKIT_RETRY_BASE_DELAY" envDefault:"500ms"`         // RetryBaseDelay is the first backoff step.
	RetryMaxDelay          time.Duration `env:"PUSHKIT_RETRY_MAX_DELAY" envDefault:"30s"`            // RetryMaxDelay caps the exponential backoff.
	HeartbeatInterval      time.Duration `env:"PUSHKIT_HEARTBEAT_INTERVAL" envDefault:"30s"`         // HeartbeatInterval is the liveness probe period.
	SweepInterval          time.Duration `env:"PUSHKIT_SWEEP_INTERVAL" envDefault:"1m"`              // SweepInterval is the expiry/retention sweep period.
	ReadRetention          time.Duration `env:"PUSHKIT_READ_RETENTION" envDefault:"24h"`             // ReadRetention is how long read events are kept before purge.
	DefaultTTL             time.Duration `env:"PUSHKIT_DEFAULT_TTL" envDefault:"1h"`                 // DefaultTTL is applied when an event has no expiry; 0 disables it.
	ParkEphemeralBroadcast bool          `env:"PUSHKIT_PARK_EPHEMERAL_BROADCAST" envDefault:"false"` // ParkEphemeralBroadcast buffers non-persistent broadcasts for known offline recipients.
	ShutdownTimeout        time.Duration `env:"PUSHKIT_SHUTDOWN_TIMEOUT" envDefault:"30s"`           // ShutdownTimeout bounds the graceful shutdown wait.
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		QueueSize:              1000,
		PendingPerRecipient:    100,
		MaxStreamsPerRecipient: 5,
		StreamBufferSize:       100,
		MaxRetries:             3,
		RetryBaseDelay:         500 * time.Millisecond,
		RetryMaxDelay:          30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		SweepInterval:          time.Minute,
		ReadRetention:          24 * time.Hour,
		DefaultTTL:             time.Hour,
		ShutdownTimeout:        30 * time.Second,
	}
}

// normalize fills zero values with defaults so a partially populated Config
// never produces an unusable engine.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PendingPerRecipient <= 0 {
		c.PendingPerRecipient = def.PendingPerRecipient
	}
	if c.MaxStreamsPerRecipient <= 0 {
		c.MaxStreamsPerRecipient = def.MaxStreamsPerRecipient
	}
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = def.StreamBufferSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.ReadRetention <= 0 {
		c.ReadRetention = def.ReadRetention
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}
