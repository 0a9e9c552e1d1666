package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"fknsrs.biz/p/sorm"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"fknsrs.biz/p/ytscribe/internal/config"
	"fknsrs.biz/p/ytscribe/internal/configreader"
	"fknsrs.biz/p/ytscribe/internal/ctxclock"
	"fknsrs.biz/p/ytscribe/internal/ctxhttpclient"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
	"fknsrs.biz/p/ytscribe/internal/ctxtimer"
	"fknsrs.biz/p/ytscribe/internal/httpcache"
	"fknsrs.biz/p/ytscribe/internal/logrusstackhook"
	"fknsrs.biz/p/ytscribe/internal/notify"
	"fknsrs.biz/p/ytscribe/internal/sqlitelogger"
	"fknsrs.biz/p/ytscribe/internal/store"
	"fknsrs.biz/p/ytscribe/internal/syncer"
	"fknsrs.biz/p/ytscribe/internal/ytdl"
)

const envPrefix = "YTSCRIBE_"

var configFiles = []string{"config.json", "config.toml", "config.yaml", "config.yml"}

type simpleQueryLogger struct {
	logger logrus.FieldLogger
}

func (s *simpleQueryLogger) LogQuery(query string, args []interface{}) {
	fields := logrus.Fields{
		"db.query":      query,
		"db.args.count": len(args),
	}

	for i, e := range args {
		fields[fmt.Sprintf("db.args.%d", i)] = e
	}

	s.logger.WithFields(fields).Info("sorm query start")
}

func (s *simpleQueryLogger) LogQueryAfter(query string, args []interface{}, duration time.Duration, err error) {
	fields := logrus.Fields{
		"db.query":      query,
		"db.duration":   duration,
		"db.error":      err,
		"db.args.count": len(args),
	}

	for i, e := range args {
		fields[fmt.Sprintf("db.args.%d", i)] = e
	}

	s.logger.WithFields(fields).Info("sorm query finish")
}

func main() {
	// a missing .env is normal
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	os.Exit(run(ctx, os.Args, os.Environ(), os.Stderr))
}

func loadConfig(args, env []string) (config.Config, error) {
	cfg := config.Default()
	cfg.Config = configreader.FindFile(configFiles)

	if err := configreader.Read(args[0], envPrefix, args[1:], env, &cfg); err != nil {
		if errors.Is(err, configreader.ErrHelp) {
			return cfg, err
		}

		return cfg, &config.ConfigError{Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, &config.ConfigError{Err: err}
	}

	return cfg, nil
}

func newLogger(cfg config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(cfg.LogLevel)

	if len(cfg.LogDebugLevels) > 0 {
		logger.AddHook(logrusstackhook.NewStackHook(cfg.LogDebugLevels, nil))
	}

	return logger
}

// databaseDriver returns the driver name to open the database with,
// registering the logging wrapper the first time it is asked for.
func databaseDriver(cfg config.Config) string {
	if cfg.LogQueries.IsZero() {
		return "sqlite3"
	}

	name := "sqlite3:logged"
	if cfg.LogQueries.SlowerThan != 0 {
		name = "sqlite3:logged:" + cfg.LogQueries.SlowerThan.String()
	}

	for _, e := range sql.Drivers() {
		if e == name {
			return name
		}
	}

	sql.Register(name, sqlitelogger.New(
		&sqlite3.SQLiteDriver{},
		&sqlitelogger.BasicFilter{
			LogSlowerThan: cfg.LogQueries.SlowerThan,
			IgnorePackageStackFrames: []string{
				// standard library
				"database/sql",
				"runtime",
				// libraries
				"fknsrs.biz/p/sorm",
				"github.com/shogo82148/go-sql-proxy",
				// plumbing
				"fknsrs.biz/p/ytscribe/internal/catchpanic",
				"fknsrs.biz/p/ytscribe/internal/ctxdb",
				"fknsrs.biz/p/ytscribe/internal/dbsavepoint",
				"fknsrs.biz/p/ytscribe/internal/sqlitelogger",
				"fknsrs.biz/p/ytscribe/internal/store",
			},
			IgnoreFunctionQueries: []string{
				"fknsrs.biz/p/ytscribe/internal/store.(*Store).EnsureSchema",
			},
		},
	))

	return name
}

func run(ctx context.Context, args, env []string, out io.Writer) int {
	cfg, err := loadConfig(args, env)
	if errors.Is(err, configreader.ErrHelp) {
		return 0
	}

	logger := newLogger(cfg, out)

	if err != nil {
		logger.WithError(err).Error("could not load configuration")
		return 1
	}

	l := logger.WithField("run.id", uuid.NewString())

	l.WithFields(logrus.Fields{
		"config.config":               cfg.Config,
		"config.log_level":            cfg.LogLevel,
		"config.log_debug_levels":     cfg.LogDebugLevels,
		"config.log_queries":          cfg.LogQueries,
		"config.log_sorm":             cfg.LogSORM,
		"config.database":             cfg.Database,
		"config.channels":             cfg.Channels,
		"config.ytdl_path":            cfg.YtdlPath,
		"config.ytdl_options.count":   len(cfg.YtdlOptions),
		"config.apprise_endpoints":    len(cfg.AppriseEndpoints),
		"config.transcript_languages": cfg.TranscriptLanguages,
		"config.cache_path":           cfg.CachePath,
	}).Info("program starting")

	if cfg.LogSORM {
		sorm.SetQueryLogger(&simpleQueryLogger{l})
	}

	ctx = ctxlogger.WithLogger(ctx, l)
	ctx = ctxclock.WithClock(ctx, ctxclock.NewRealClock())

	if cfg.CachePath != "" {
		cacheDB, err := bbolt.Open(cfg.CachePath, 0600, &bbolt.Options{Timeout: time.Second * 5})
		if err != nil {
			l.WithError(err).Warn("could not open http cache; continuing without it")
		} else {
			defer cacheDB.Close()

			ctx = ctxhttpclient.WithHTTPClient(ctx, &http.Client{
				Transport: httpcache.NewTransport(nil, httpcache.NewBBoltStorage(cacheDB), 0),
			})
		}
	}

	notifier := notify.New(ctx, cfg.AppriseEndpoints)

	l.WithFields(logrus.Fields{
		"notify.configured": len(cfg.AppriseEndpoints),
		"notify.usable":     notifier.Len(),
	}).Debug("notifications configured")

	// store errors are already *store.PersistenceError
	s, err := store.Open(ctx, databaseDriver(cfg), cfg.Database)
	if err != nil {
		l.WithError(err).Error("could not open database")
		return 1
	}
	defer s.Close()

	before, err := s.Version(ctx)
	if err != nil {
		l.WithError(err).Error("could not read schema version")
		return 1
	}

	if err := s.EnsureSchema(ctx); err != nil {
		l.WithError(err).WithField("schema.version", before).Error("could not migrate database")
		return 1
	}

	l.WithFields(logrus.Fields{
		"schema.from": before,
		"schema.to":   store.SchemaVersion,
	}).Debug("database ready")

	extractor := &ytdl.Client{
		Path:    cfg.YtdlPath,
		Options: cfg.YtdlOptions,
	}

	ctx = ctxtimer.WithTimer(ctx, nil)

	var report *syncer.Report
	d, _ := ctxtimer.Measure(ctx, "main.sync", func() {
		report, err = syncer.New(s, extractor, notifier, syncer.Config{
			Channels:  cfg.Channels,
			Languages: cfg.TranscriptLanguages,
		}).Run(ctx)
	})
	l = l.WithField("run.duration", d)
	if report != nil {
		l = l.WithFields(report.Fields())
	}
	if err != nil {
		l.WithError(err).Warn("sync interrupted")
		return 0
	}

	if counts, err := s.Counts(ctx); err == nil {
		l = l.WithFields(logrus.Fields{
			"store.channels":    counts.Channels,
			"store.videos":      counts.Videos,
			"store.transcripts": counts.Transcripts,
		})
	}

	l.Info("sync finished")

	return 0
}
