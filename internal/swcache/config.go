package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`

	Caches CachesConfig `yaml:"caches"`

	// Precache lists small, stable asset paths fetched during install. HTML is
	// never precached; the shell is filled from live navigations instead.
	Precache []string `yaml:"precache" env:"SWCACHE_PRECACHE" envSeparator:","`

	Bypass []string `yaml:"bypass" env:"SWCACHE_BYPASS" envSeparator:","`

	Shell string `yaml:"shell" env:"SWCACHE_SHELL"`

	NavigationPreload *bool `yaml:"navigationPreload" env:"SWCACHE_NAVIGATION_PRELOAD"`
	SkipWaiting       *bool `yaml:"skipWaiting" env:"SWCACHE_SKIP_WAITING"`

	Storage StorageConfig `yaml:"storage"`

	Clients ClientsConfig `yaml:"clients"`

	Logging LoggingConfig `yaml:"logging"`

	Notify NotifyConfig `yaml:"notify"`

	Push PushConfig `yaml:"push"`
}

type ServerConfig struct {
	Port   int    `yaml:"port" env:"SWCACHE_PORT"`
	Origin string `yaml:"origin" env:"SWCACHE_ORIGIN"`
	// Timeout bounds a single origin fetch.
	Timeout string `yaml:"timeout" env:"SWCACHE_FETCH_TIMEOUT"`

	timeoutDur time.Duration
	originURL  *url.URL
}

type CachesConfig struct {
	Prefix  string `yaml:"prefix" env:"SWCACHE_CACHE_PREFIX"`
	Version string `yaml:"version" env:"SWCACHE_CACHE_VERSION"`
}

type StorageConfig struct {
	// Backend is "leveldb" or "memory".
	Backend string   `yaml:"backend" env:"SWCACHE_STORAGE_BACKEND"`
	Path    string   `yaml:"path" env:"SWCACHE_STORAGE_PATH"`
	Max     ByteSize `yaml:"max" env:"SWCACHE_STORAGE_MAX"`
}

type ClientsConfig struct {
	IdleTimeout string `yaml:"idleTimeout" env:"SWCACHE_CLIENT_IDLE_TIMEOUT"`
	Cookie      string `yaml:"cookie" env:"SWCACHE_CLIENT_COOKIE"`

	idleDur time.Duration
}

type LoggingConfig struct {
	LogStatsEvery string `yaml:"logStatsEvery" env:"SWCACHE_LOG_STATS_EVERY"`

	logStatsEveryDur time.Duration
}

type NotifyConfig struct {
	// URLs are shoutrrr service URLs; empty means notifications are only logged.
	URLs []string `yaml:"urls" env:"SWCACHE_NOTIFY_URLS" envSeparator:","`
}

type PushConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker" env:"SWCACHE_MQTT_BROKER"`
	Topic    string `yaml:"topic" env:"SWCACHE_MQTT_TOPIC"`
	ClientID string `yaml:"clientId" env:"SWCACHE_MQTT_CLIENT_ID"`
	Username string `yaml:"username" env:"SWCACHE_MQTT_USERNAME"`
	Password string `yaml:"password" env:"SWCACHE_MQTT_PASSWORD"`
}

// Generation holds the two partition names owned by one worker version.
type Generation struct {
	Static string
	Assets string
}

func (g Generation) Contains(name string) bool {
	return name == g.Static || name == g.Assets
}

func (c Config) Generation() Generation {
	return Generation{
		Static: fmt.Sprintf("%s-static-%s", c.Caches.Prefix, c.Caches.Version),
		Assets: fmt.Sprintf("%s-assets-%s", c.Caches.Prefix, c.Caches.Version),
	}
}

func (c Config) navigationPreload() bool { return c.NavigationPreload == nil || *c.NavigationPreload }

func (c Config) skipWaiting() bool { return c.SkipWaiting == nil || *c.SkipWaiting }

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies SWCACHE_* environment overrides and
// validates the result.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server.origin: invalid url %q", c.Server.Origin)
	}
	c.Server.originURL = u

	c.Server.timeoutDur = 30 * time.Second
	if c.Server.Timeout != "" {
		d, err := time.ParseDuration(c.Server.Timeout)
		if err != nil {
			return fmt.Errorf("server.timeout: %w", err)
		}
		c.Server.timeoutDur = d
	}

	if c.Caches.Prefix == "" {
		c.Caches.Prefix = "karmyog"
	}
	if c.Caches.Version == "" {
		c.Caches.Version = "v1"
	}

	if c.Shell == "" {
		c.Shell = "/index.html"
	}
	if !strings.HasPrefix(c.Shell, "/") {
		return fmt.Errorf("shell: must be an absolute path, got %q", c.Shell)
	}

	if c.Precache == nil {
		c.Precache = []string{"/manifest.json", "/icons/icon-192x192.png", "/icons/icon-512.png"}
	}
	seen := make(map[string]struct{}, len(c.Precache))
	out := c.Precache[:0]
	for i, p := range c.Precache {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d]: must be an absolute path, got %q", i, p)
		}
		if p == c.Shell || strings.HasSuffix(strings.ToLower(p), ".html") {
			return fmt.Errorf("precache[%d]: html documents are never precached: %q", i, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	c.Precache = out

	if c.Bypass == nil {
		c.Bypass = []string{"/sitemap.xml", "/robots.txt"}
	}

	switch c.Storage.Backend {
	case "":
		c.Storage.Backend = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data/leveldb"
	}

	if c.Clients.Cookie == "" {
		c.Clients.Cookie = "sw_client"
	}
	c.Clients.idleDur = 30 * time.Minute
	if c.Clients.IdleTimeout != "" {
		d, err := time.ParseDuration(c.Clients.IdleTimeout)
		if err != nil {
			return fmt.Errorf("clients.idleTimeout: %w", err)
		}
		c.Clients.idleDur = d
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.Logging.logStatsEveryDur = d
	}

	if c.Push.MQTT.Broker != "" && c.Push.MQTT.Topic == "" {
		return fmt.Errorf("push.mqtt.topic is required when a broker is set")
	}

	return nil
}

func (c Config) isBypass(path string) bool {
	for _, p := range c.Bypass {
		if p == path {
			return true
		}
	}
	return false
}
