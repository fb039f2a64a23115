package cosync

import (
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aretw0/cosync/internal/config"
	"github.com/aretw0/cosync/internal/platform"
	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/core"
)

// --- Types ---

// Instance is one participant's wired session.
type Instance = platform.Instance

// Config is the file and environment configuration of a process.
type Config = config.Config

// ParticipantID identifies a session participant.
type ParticipantID = core.ParticipantID

// Permission is a participant's access level.
type Permission = core.Permission

const (
	WriteAccess    = core.WriteAccess
	ReadOnlyAccess = core.ReadOnlyAccess
)

// --- Configuration ---

// Option defines a functional option for configuring an instance.
type Option = platform.Option

// LoadConfig reads configuration from path, or COSYNC_CONFIG, plus COSYNC_*
// environment overrides.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// FromConfig applies a loaded configuration.
func FromConfig(cfg Config) Option {
	return platform.FromConfig(cfg)
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithSessionID names the session.
func WithSessionID(id string) Option {
	return platform.WithSessionID(id)
}

// WithParticipant sets the local participant ID.
func WithParticipant(id string) Option {
	return platform.WithParticipant(id)
}

// WithHost makes the local participant the session host.
func WithHost(host bool) Option {
	return platform.WithHost(host)
}

// WithPermission sets the local participant's access level.
func WithPermission(p Permission) Option {
	return platform.WithPermission(p)
}

// WithHub connects through a websocket hub.
func WithHub(url string) Option {
	return platform.WithHub(url)
}

// WithRedis connects through Redis pub/sub.
func WithRedis(url string) Option {
	return platform.WithRedis(url)
}

// WithRedisClient connects through an existing Redis client.
func WithRedisClient(client *goredis.Client) Option {
	return platform.WithRedisClient(client)
}

// WithPrefix namespaces Redis keys and channels.
func WithPrefix(prefix string) Option {
	return platform.WithPrefix(prefix)
}

// WithNetwork attaches the instance to an in-process loopback network.
func WithNetwork(n *memory.Network) Option {
	return platform.WithNetwork(n)
}

// WithWorkspace injects a workspace instead of opening a directory.
func WithWorkspace(ws core.Workspace) Option {
	return platform.WithWorkspace(ws)
}

// WithIgnore excludes paths matching doublestar patterns from sharing.
func WithIgnore(patterns ...string) Option {
	return platform.WithIgnore(patterns...)
}

// WithWatch enables or disables watching the directory for external changes.
func WithWatch(enabled bool) Option {
	return platform.WithWatch(enabled)
}

// WithWatchdog sets the host watchdog interval and disconnected backoff.
func WithWatchdog(interval, backoff time.Duration) Option {
	return platform.WithWatchdog(interval, backoff)
}

// --- Factory ---

// New wires a participant over the directory at root. Call Start to join.
func New(root string, opts ...Option) (*Instance, error) {
	return platform.New(root, opts...)
}

// FindRoot looks upwards from dir for a .cosync.yaml file or a .git folder.
func FindRoot(dir string) (string, error) {
	return platform.FindRoot(dir)
}
