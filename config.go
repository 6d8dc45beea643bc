package wal

import (
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusgrid/gridwal/walrecord"
)

// Mode selects the durability/performance tradeoff for writes. Replay
// always works regardless of Mode.
type Mode int

const (
	// ModeNone disables record writes entirely; Append returns a null
	// Pointer without touching any file. Replay still works over whatever
	// is already on disk.
	ModeNone Mode = iota
	// ModeLogOnly batches writes to the work segment but never calls
	// Force on the file.
	ModeLogOnly
	// ModeBackground is like ModeLogOnly plus a periodic background
	// flush.
	ModeBackground
	// ModeDefault fsyncs after every user-initiated sync and pre-allocates
	// segments by zero-fill.
	ModeDefault
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "NONE"
	case ModeLogOnly:
		return "LOG_ONLY"
	case ModeBackground:
		return "BACKGROUND"
	case ModeDefault:
		return "DEFAULT"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultSegmentSize matches the sources: 64 MiB segments.
	DefaultSegmentSize int64 = 64 * 1024 * 1024
	// DefaultWalSegments is the ring size of the work directory.
	DefaultWalSegments = 10
	// DefaultFlushFrequency is the BACKGROUND-mode flusher interval.
	DefaultFlushFrequency = 2 * time.Second
	// DefaultFsyncDelay is the DEFAULT-mode coalescing window.
	DefaultFsyncDelay = time.Nanosecond
	// DefaultThreadLocalBufferBytes is the batching threshold for drains.
	DefaultThreadLocalBufferBytes = 128 * 1024
)

// Config is the Manager's full set of construction parameters. Build one
// with Open's functional options rather than the struct literal directly
// so unset fields pick up their documented defaults.
type Config struct {
	// WorkRoot and ArchiveRoot are namespaced by ConsistentID to produce
	// the work and archive directories.
	WorkRoot     string
	ArchiveRoot  string
	ConsistentID string

	SegmentSize            int64
	WalSegments            int
	Mode                   Mode
	FlushFrequency         time.Duration
	FsyncDelay             time.Duration
	ThreadLocalBufferBytes int
	// AlwaysWriteFullPages is reserved for page-aligned records; it does
	// not change WAL framing.
	AlwaysWriteFullPages bool

	Codec      walrecord.Codec
	Logger     log.Logger
	Registerer prometheus.Registerer
	// FatalReporter is invoked exactly once, with the underlying cause,
	// when the log enters an unrecoverable state. It must not block
	// indefinitely. The default does nothing (the handle logs the error
	// itself before invoking the reporter), since terminating the host
	// process is a decision this package never makes for its caller.
	FatalReporter func(error)
}

// Option mutates a Config being built by Open.
type Option func(*Config)

// WithConsistentID sets the node identifier used to namespace the work
// and archive directories.
func WithConsistentID(id string) Option {
	return func(c *Config) { c.ConsistentID = id }
}

// WithRoots sets the parent work and archive directories.
func WithRoots(workRoot, archiveRoot string) Option {
	return func(c *Config) {
		c.WorkRoot = workRoot
		c.ArchiveRoot = archiveRoot
	}
}

// WithMode sets the durability mode.
func WithMode(m Mode) Option {
	return func(c *Config) { c.Mode = m }
}

// WithSegmentSize sets the fixed byte size of each segment.
func WithSegmentSize(n int64) Option {
	return func(c *Config) { c.SegmentSize = n }
}

// WithWalSegments sets the ring size of the work directory.
func WithWalSegments(n int) Option {
	return func(c *Config) { c.WalSegments = n }
}

// WithFlushFrequency sets the BACKGROUND-mode flusher interval.
func WithFlushFrequency(d time.Duration) Option {
	return func(c *Config) { c.FlushFrequency = d }
}

// WithFsyncDelay sets the DEFAULT-mode fsync coalescing window.
func WithFsyncDelay(d time.Duration) Option {
	return func(c *Config) { c.FsyncDelay = d }
}

// WithThreadLocalBufferBytes sets the batching threshold for drains.
func WithThreadLocalBufferBytes(n int) Option {
	return func(c *Config) { c.ThreadLocalBufferBytes = n }
}

// WithAlwaysWriteFullPages sets the reserved page-alignment flag.
func WithAlwaysWriteFullPages(b bool) Option {
	return func(c *Config) { c.AlwaysWriteFullPages = b }
}

// WithCodec overrides the default CRC32-framed codec.
func WithCodec(codec walrecord.Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithLogger injects a go-kit logger; components log through it with
// structured key/value context.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithRegisterer injects a Prometheus registerer for the WAL's metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// WithFatalReporter injects the host's fatal-error hook.
func WithFatalReporter(f func(error)) Option {
	return func(c *Config) { c.FatalReporter = f }
}

func defaultConfig() Config {
	return Config{
		SegmentSize:            DefaultSegmentSize,
		WalSegments:            DefaultWalSegments,
		Mode:                   ModeDefault,
		FlushFrequency:         DefaultFlushFrequency,
		FsyncDelay:             DefaultFsyncDelay,
		ThreadLocalBufferBytes: DefaultThreadLocalBufferBytes,
		Codec:                  walrecord.NewCodec(1),
		Logger:                 log.NewNopLogger(),
		Registerer:             prometheus.NewRegistry(),
		FatalReporter:          func(error) {},
	}
}

func buildConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
