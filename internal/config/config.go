package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/stringutil"
)

// ConfigError means configuration could not be loaded at all.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }

type LevelList []logrus.Level

func (a LevelList) MarshalText() ([]byte, error) {
	if len(a) == 0 {
		return []byte("-"), nil
	}

	s := make([]string, len(a))
	for i, e := range a {
		s[i] = e.String()
	}

	return []byte(strings.Join(s, ",")), nil
}

func (a *LevelList) UnmarshalText(d []byte) error {
	if string(d) == "" || string(d) == "-" {
		*a = LevelList{}
		return nil
	}

	var aa LevelList

	for _, e := range stringutil.SplitList(string(d)) {
		l, err := logrus.ParseLevel(e)
		if err != nil {
			return fmt.Errorf("config.LevelList.UnmarshalText: could not parse value as logrus level: %w", err)
		}

		aa = append(aa, l)
	}

	*a = aa

	return nil
}

// StringList is a list that reads from comma separated text on the command
// line and in the environment, and from a native list in config files.
type StringList []string

func (a StringList) MarshalText() ([]byte, error) {
	return []byte(strings.Join(a, ",")), nil
}

func (a *StringList) UnmarshalText(d []byte) error {
	*a = StringList(stringutil.SplitList(string(d)))
	return nil
}

type LogQueries struct {
	Enabled    bool
	SlowerThan time.Duration
}

func (l LogQueries) String() string {
	if l.Enabled {
		if l.SlowerThan != 0 {
			return ">" + l.SlowerThan.String()
		}

		return "all"
	}

	return "none"
}

func (l LogQueries) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *LogQueries) UnmarshalText(d []byte) error {
	s := string(d)

	switch s {
	case "all":
		l.Enabled = true
		l.SlowerThan = 0
		return nil
	case "", "none":
		l.Enabled = false
		l.SlowerThan = 0
		return nil
	default:
		if s[0] == '>' && len(s) > 1 {
			d, err := time.ParseDuration(s[1:])
			if err != nil {
				return fmt.Errorf("config.LogQueries.UnmarshalText: could not parse value as duration: %w", err)
			}
			l.Enabled = true
			l.SlowerThan = d
			return nil
		}

		return fmt.Errorf("config.LogQueries.UnmarshalText: unrecognised input %q; valid options are none, all, or >x where x is a duration", s)
	}
}

func (l *LogQueries) IsZero() bool {
	return !l.Enabled && l.SlowerThan == 0
}

type Config struct {
	Config              string                 `name:"config" toml:"config" yaml:"config" help:"Config file location (.json, .yaml, .yml or .toml)."`
	LogLevel            logrus.Level           `name:"log_level" toml:"log_level" yaml:"log_level" help:"Global log level."`
	LogDebugLevels      LevelList              `name:"log_debug_levels" toml:"log_debug_levels" yaml:"log_debug_levels" help:"Which log levels to include stack data on."`
	LogQueries          LogQueries             `name:"log_queries" toml:"log_queries" yaml:"log_queries" help:"Log SQL queries."`
	LogSORM             bool                   `name:"log_sorm" toml:"log_sorm" yaml:"log_sorm" help:"Log SORM queries."`
	Database            string                 `name:"database" toml:"database" yaml:"database" help:"SQLite database location."`
	Channels            StringList             `name:"channels" toml:"channels" yaml:"channels" help:"Channel URLs or handles to track."`
	YtdlPath            string                 `name:"ytdl_path" toml:"ytdl_path" yaml:"ytdl_path" help:"Path to the yt-dlp executable."`
	YtdlOptions         map[string]interface{} `name:"-" toml:"ytdl_options" yaml:"ytdl_options"`
	AppriseEndpoints    StringList             `name:"apprise_endpoints" toml:"apprise_endpoints" yaml:"apprise_endpoints" help:"Notification endpoint URLs."`
	TranscriptLanguages StringList             `name:"transcript_languages" toml:"transcript_languages" yaml:"transcript_languages" help:"Caption languages to store."`
	CachePath           string                 `name:"cache_path" toml:"cache_path" yaml:"cache_path" help:"Location for HTTP client cache; empty disables caching."`
}

func Default() Config {
	return Config{
		LogLevel:            logrus.InfoLevel,
		LogDebugLevels:      LevelList{logrus.DebugLevel, logrus.TraceLevel},
		Database:            "database.db",
		YtdlPath:            "yt-dlp",
		TranscriptLanguages: StringList{"en"},
	}
}

func (c Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("config.Config.Validate: database must be set")
	}

	if len(c.TranscriptLanguages) == 0 {
		return fmt.Errorf("config.Config.Validate: transcript_languages must not be empty")
	}

	return nil
}
