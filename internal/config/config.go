// Package config loads the telesync client configuration from YAML and
// the environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	telerr "github.com/chosenoffset/telesync/internal/errors"
	"github.com/chosenoffset/telesync/pkg/telesync"
	"github.com/chosenoffset/telesync/pkg/telesync/actions"
)

const (
	// DefaultFileName is the config file looked up when none is given.
	DefaultFileName = "telesync.yaml"
	// EnvPrefix prefixes environment overrides, e.g. TELESYNC_UPSTREAM_API_URL.
	EnvPrefix = "TELESYNC"
)

// Config is the complete client configuration. Durations are kept as
// strings so the rendered file stays human readable.
type Config struct {
	Upstream     UpstreamConfig     `yaml:"upstream" mapstructure:"upstream"`
	Limits       LimitsConfig       `yaml:"limits" mapstructure:"limits"`
	Connection   ConnectionConfig   `yaml:"connection" mapstructure:"connection"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" mapstructure:"snapshot"`
	Subscription SubscriptionConfig `yaml:"subscription" mapstructure:"subscription"`
	Series       SeriesConfig       `yaml:"series" mapstructure:"series"`
	Tags         []string           `yaml:"tags" mapstructure:"tags"`
	Dashboard    DashboardConfig    `yaml:"dashboard" mapstructure:"dashboard"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// UpstreamConfig locates the collaborator API and the push stream.
type UpstreamConfig struct {
	APIURL         string `yaml:"api_url" mapstructure:"api_url"`
	WSURL          string `yaml:"ws_url" mapstructure:"ws_url"`
	HistoryRange   string `yaml:"history_range" mapstructure:"history_range"`
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// LimitsConfig mirrors telesync.Limits.
type LimitsConfig struct {
	MaxSelected      int `yaml:"max_selected" mapstructure:"max_selected"`
	LiveCapacity     int `yaml:"live_capacity" mapstructure:"live_capacity"`
	SnapshotCapacity int `yaml:"snapshot_capacity" mapstructure:"snapshot_capacity"`
	IncidentCapacity int `yaml:"incident_capacity" mapstructure:"incident_capacity"`
}

type ConnectionConfig struct {
	ReconnectDelay string `yaml:"reconnect_delay" mapstructure:"reconnect_delay"`
	BinaryFrames   bool   `yaml:"binary_frames" mapstructure:"binary_frames"`
}

type SnapshotConfig struct {
	Debounce string `yaml:"debounce" mapstructure:"debounce"`
}

type SubscriptionConfig struct {
	UnsubscribeOnDeselect bool `yaml:"unsubscribe_on_deselect" mapstructure:"unsubscribe_on_deselect"`
	RequestLatest         bool `yaml:"request_latest" mapstructure:"request_latest"`
}

type SeriesConfig struct {
	OrderedInsert bool `yaml:"ordered_insert" mapstructure:"ordered_insert"`
}

// DashboardConfig controls the local dashboard. An empty Addr disables it.
type DashboardConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// RedisConfig controls the incident mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr   string `yaml:"addr" mapstructure:"addr"`
	Key    string `yaml:"key" mapstructure:"key"`
	MaxLen int    `yaml:"max_len" mapstructure:"max_len"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	limits := telesync.DefaultLimits()
	return &Config{
		Upstream: UpstreamConfig{
			APIURL:         "http://localhost:8000",
			WSURL:          "ws://localhost:8000/ws/monitoring/",
			HistoryRange:   "1h",
			RequestTimeout: "10s",
		},
		Limits: LimitsConfig{
			MaxSelected:      limits.MaxSelected,
			LiveCapacity:     limits.LiveCapacity,
			SnapshotCapacity: limits.SnapshotCapacity,
			IncidentCapacity: limits.IncidentCapacity,
		},
		Connection:   ConnectionConfig{ReconnectDelay: "5s"},
		Snapshot:     SnapshotConfig{Debounce: "300ms"},
		Subscription: SubscriptionConfig{RequestLatest: true},
		Tags:         []string{"pressure_1"},
		Dashboard:    DashboardConfig{Addr: ":9090"},
		Redis: RedisConfig{
			Key:    actions.DefaultMirrorKey,
			MaxLen: actions.DefaultMirrorMaxLen,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// setDefaults registers every key with viper. Environment overrides
// only apply to keys viper knows about.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("upstream.api_url", d.Upstream.APIURL)
	v.SetDefault("upstream.ws_url", d.Upstream.WSURL)
	v.SetDefault("upstream.history_range", d.Upstream.HistoryRange)
	v.SetDefault("upstream.request_timeout", d.Upstream.RequestTimeout)
	v.SetDefault("limits.max_selected", d.Limits.MaxSelected)
	v.SetDefault("limits.live_capacity", d.Limits.LiveCapacity)
	v.SetDefault("limits.snapshot_capacity", d.Limits.SnapshotCapacity)
	v.SetDefault("limits.incident_capacity", d.Limits.IncidentCapacity)
	v.SetDefault("connection.reconnect_delay", d.Connection.ReconnectDelay)
	v.SetDefault("connection.binary_frames", d.Connection.BinaryFrames)
	v.SetDefault("snapshot.debounce", d.Snapshot.Debounce)
	v.SetDefault("subscription.unsubscribe_on_deselect", d.Subscription.UnsubscribeOnDeselect)
	v.SetDefault("subscription.request_latest", d.Subscription.RequestLatest)
	v.SetDefault("series.ordered_insert", d.Series.OrderedInsert)
	v.SetDefault("tags", d.Tags)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.key", d.Redis.Key)
	v.SetDefault("redis.max_len", d.Redis.MaxLen)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the config at path, applies TELESYNC_ environment
// overrides and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if os.IsNotExist(err) {
				return nil, telerr.WrapWithSuggestion(err, telerr.ErrConfig,
					"config file not found: "+path,
					"Run 'telesync config init' to create one, or omit --config")
			}
			return nil, telerr.WrapWithSuggestion(err, telerr.ErrConfig,
				"failed to read config file",
				"Check the file exists and is valid YAML")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, telerr.WrapWithSuggestion(err, telerr.ErrConfig,
			"invalid config format",
			"Check the YAML syntax in "+path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the client cannot run
// with.
func (c *Config) Validate() error {
	if err := checkURL("upstream.api_url", c.Upstream.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("upstream.ws_url", c.Upstream.WSURL, "ws", "wss"); err != nil {
		return err
	}
	switch c.Upstream.HistoryRange {
	case "1h", "24h", "7d":
	default:
		return telerr.New(telerr.ErrConfig,
			fmt.Sprintf("upstream.history_range %q is not supported", c.Upstream.HistoryRange),
			"Use one of 1h, 24h or 7d")
	}

	for _, d := range []struct{ key, value string }{
		{"upstream.request_timeout", c.Upstream.RequestTimeout},
		{"connection.reconnect_delay", c.Connection.ReconnectDelay},
		{"snapshot.debounce", c.Snapshot.Debounce},
	} {
		if _, err := parseDuration(d.key, d.value); err != nil {
			return err
		}
	}

	if err := c.limits().Validate(); err != nil {
		return err
	}
	if len(c.Tags) > c.Limits.MaxSelected {
		return telerr.New(telerr.ErrConfig,
			fmt.Sprintf("tags lists %d tags, limits.max_selected is %d", len(c.Tags), c.Limits.MaxSelected),
			"Shorten the initial selection or raise limits.max_selected")
	}
	for _, tag := range c.Tags {
		if strings.TrimSpace(tag) == "" {
			return telerr.New(telerr.ErrConfig, "tags contains an empty tag", "Remove the empty entry")
		}
	}

	if c.Redis.Addr != "" && c.Redis.MaxLen < 1 {
		return telerr.New(telerr.ErrConfig, "redis.max_len must be at least 1", "")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return telerr.New(telerr.ErrConfig,
			fmt.Sprintf("log.format %q is not supported", c.Log.Format),
			"Use text or json")
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return telerr.New(telerr.ErrConfig, key+" is empty", "Set "+key+" in the config file")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return telerr.WrapWithSuggestion(err, telerr.ErrConfig, key+" is not a valid URL", "")
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return telerr.New(telerr.ErrConfig,
		fmt.Sprintf("%s %q must be an absolute %s URL", key, raw, strings.Join(schemes, " or ")), "")
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, telerr.WrapWithSuggestion(err, telerr.ErrConfig,
			fmt.Sprintf("%s %q is not a duration", key, s),
			"Use a Go duration such as 300ms or 5s")
	}
	if d <= 0 {
		return 0, telerr.New(telerr.ErrConfig, key+" must be positive", "")
	}
	return d, nil
}

func (c *Config) limits() telesync.Limits {
	return telesync.Limits{
		MaxSelected:      c.Limits.MaxSelected,
		LiveCapacity:     c.Limits.LiveCapacity,
		SnapshotCapacity: c.Limits.SnapshotCapacity,
		IncidentCapacity: c.Limits.IncidentCapacity,
	}
}

// Options converts a validated config into session options. Runtime
// collaborators (logger, metrics, actions) are left for the caller.
func (c *Config) Options() telesync.Options {
	timeout, _ := parseDuration("", c.Upstream.RequestTimeout)
	reconnect, _ := parseDuration("", c.Connection.ReconnectDelay)
	debounce, _ := parseDuration("", c.Snapshot.Debounce)
	return telesync.Options{
		APIURL:                c.Upstream.APIURL,
		StreamURL:             c.Upstream.WSURL,
		HistoryRange:          c.Upstream.HistoryRange,
		RequestTimeout:        timeout,
		Limits:                c.limits(),
		ReconnectDelay:        reconnect,
		Debounce:              debounce,
		BinaryFrames:          c.Connection.BinaryFrames,
		UnsubscribeOnDeselect: c.Subscription.UnsubscribeOnDeselect,
		RequestLatest:         c.Subscription.RequestLatest,
		OrderedInsert:         c.Series.OrderedInsert,
		InitialTags:           append([]string(nil), c.Tags...),
	}
}

// Render encodes cfg as YAML.
func Render(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, telerr.Wrap(err, telerr.ErrConfig, "render config")
	}
	return out, nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, telerr.New(telerr.ErrConfig,
		fmt.Sprintf("log.level %q is not supported", s),
		"Use debug, info, warn or error")
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
