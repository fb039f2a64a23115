package platform

import (
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aretw0/cosync/internal/config"
	"github.com/aretw0/cosync/pkg/adapters/memory"
	"github.com/aretw0/cosync/pkg/core"
)

// options holds the internal configuration of a cosync instance.
type options struct {
	logger     *slog.Logger
	sessionID  string
	local      core.ParticipantID
	host       bool
	permission core.Permission

	transport   string
	hubURL      string
	redisURL    string
	redisClient *goredis.Client
	prefix      string
	network     *memory.Network

	workspace core.Workspace
	ignore    []string
	watch     bool

	interval time.Duration
	backoff  time.Duration
}

// Option defines a functional option for configuring an instance.
type Option func(*options)

func defaultOptions() *options {
	return &options{
		logger:     nil,
		permission: core.WriteAccess,
		transport:  config.TransportWebsocket,
		watch:      true,
	}
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSessionID names the session. Participants only meet inside the same
// session.
func WithSessionID(id string) Option {
	return func(o *options) {
		o.sessionID = id
	}
}

// WithParticipant sets the local participant ID. Defaults to a random UUID.
func WithParticipant(id string) Option {
	return func(o *options) {
		o.local = core.ParticipantID(id)
	}
}

// WithHost makes the local participant the session host. Only the host runs
// the consistency watchdog and answers recovery requests.
func WithHost(host bool) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithPermission sets the local participant's access level.
func WithPermission(p core.Permission) Option {
	return func(o *options) {
		o.permission = p
	}
}

// WithHub connects through the websocket hub at url.
func WithHub(url string) Option {
	return func(o *options) {
		o.transport = config.TransportWebsocket
		o.hubURL = url
	}
}

// WithRedis connects through Redis pub/sub at url.
func WithRedis(url string) Option {
	return func(o *options) {
		o.transport = config.TransportRedis
		o.redisURL = url
	}
}

// WithRedisClient connects through an existing Redis client. The instance
// does not close it.
func WithRedisClient(client *goredis.Client) Option {
	return func(o *options) {
		o.transport = config.TransportRedis
		o.redisClient = client
	}
}

// WithPrefix namespaces Redis keys and channels.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithNetwork attaches the instance to an in-process loopback network instead
// of a remote transport.
func WithNetwork(n *memory.Network) Option {
	return func(o *options) {
		o.network = n
	}
}

// WithWorkspace injects a workspace instead of opening the directory.
func WithWorkspace(ws core.Workspace) Option {
	return func(o *options) {
		o.workspace = ws
	}
}

// WithIgnore excludes paths matching the doublestar patterns from sharing.
func WithIgnore(patterns ...string) Option {
	return func(o *options) {
		o.ignore = append(o.ignore, patterns...)
	}
}

// WithWatch enables or disables watching the directory for changes made by
// other programs. Enabled by default.
func WithWatch(enabled bool) Option {
	return func(o *options) {
		o.watch = enabled
	}
}

// WithWatchdog sets the host watchdog poll interval and the backoff used while
// disconnected. Zero keeps the default.
func WithWatchdog(interval, backoff time.Duration) Option {
	return func(o *options) {
		o.interval = interval
		o.backoff = backoff
	}
}

// FromConfig applies a loaded configuration file.
func FromConfig(cfg config.Config) Option {
	return func(o *options) {
		o.sessionID = cfg.Session.ID
		if cfg.Session.Participant != "" {
			o.local = core.ParticipantID(cfg.Session.Participant)
		}
		if cfg.Session.Permission != "" {
			o.permission = core.Permission(cfg.Session.Permission)
		}
		o.transport = cfg.Transport.Kind
		o.hubURL = cfg.Transport.HubURL
		o.redisURL = cfg.Transport.RedisURL
		o.prefix = cfg.Transport.Prefix
		o.ignore = append(o.ignore, cfg.Workspace.Ignore...)
		o.watch = cfg.Workspace.Watch
		o.interval = cfg.Watchdog.Interval
		o.backoff = cfg.Watchdog.Backoff
	}
}
