package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/ctxdb"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
)

type migration struct {
	name string
	fn   func(ctx context.Context, tx *sql.Tx) error
}

// migrations are applied in order; the stored schema version is the number
// of migrations already applied. Each one checks the current table shape so
// it is safe against databases created by older releases that never recorded
// a version.
var migrations = []migration{
	{"create_tables", migrateCreateTables},
	{"channels_url", migrateChannelsURL},
	{"videos_channel_id", migrateVideosChannelID},
	{"transcripts_composite_key", migrateTranscriptsCompositeKey},
}

// SchemaVersion is the version a fully migrated database reports.
var SchemaVersion = len(migrations)

const (
	createChannels = `create table if not exists channels (
		id text primary key,
		name text not null,
		url text not null
	)`
	createVideos = `create table if not exists videos (
		id text primary key,
		channel_id text not null references channels (id),
		title text not null,
		url text not null
	)`
	createTranscripts = `create table if not exists transcripts (
		video_id text not null references videos (id),
		language text not null,
		transcript text not null,
		primary key (video_id, language)
	)`
)

// EnsureSchema brings the database up to SchemaVersion. It is safe to call on
// every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := ctxdb.UsingTx(ctxdb.WithDB(ctx, s.db), nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "create table if not exists schema_version (version integer not null)"); err != nil {
			return fmt.Errorf("could not create schema_version: %w", err)
		}

		var version int
		if err := tx.QueryRowContext(ctx, "select version from schema_version limit 1").Scan(&version); err != nil {
			if err != sql.ErrNoRows {
				return fmt.Errorf("could not read schema version: %w", err)
			}

			if _, err := tx.ExecContext(ctx, "insert into schema_version (version) values (0)"); err != nil {
				return fmt.Errorf("could not initialise schema version: %w", err)
			}
		}

		for i := version; i < len(migrations); i++ {
			m := migrations[i]

			ctxlogger.GetLogger(ctx).WithFields(logrus.Fields{
				"schema.version":   i + 1,
				"schema.migration": m.name,
			}).Info("applying migration")

			if err := m.fn(ctx, tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
			}

			if _, err := tx.ExecContext(ctx, "update schema_version set version = ?", i+1); err != nil {
				return fmt.Errorf("could not record schema version %d: %w", i+1, err)
			}
		}

		return nil
	}); err != nil {
		return &PersistenceError{Op: "EnsureSchema", Err: err}
	}

	return nil
}

// Version reports the stored schema version, or zero for a database that has
// never been migrated.
func (s *Store) Version(ctx context.Context) (int, error) {
	cols, err := tableColumns(ctx, s.db, "schema_version")
	if err != nil {
		return 0, &PersistenceError{Op: "Version", Err: err}
	}
	if len(cols) == 0 {
		return 0, nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "select version from schema_version limit 1").Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}

		return 0, &PersistenceError{Op: "Version", Err: err}
	}

	return version, nil
}

type columnInfo struct {
	name    string
	notNull bool
	pk      int
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// tableColumns returns the columns of a table in declaration order, or nothing
// if the table does not exist.
func tableColumns(ctx context.Context, q queryer, table string) ([]columnInfo, error) {
	rows, err := q.QueryContext(ctx, `select name, "notnull", pk from pragma_table_info(?) order by cid`, table)
	if err != nil {
		return nil, fmt.Errorf("could not describe table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var c columnInfo
		if err := rows.Scan(&c.name, &c.notNull, &c.pk); err != nil {
			return nil, fmt.Errorf("could not describe table %s: %w", table, err)
		}
		cols = append(cols, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not describe table %s: %w", table, err)
	}

	return cols, nil
}

func findColumn(cols []columnInfo, name string) (columnInfo, bool) {
	for _, c := range cols {
		if c.name == name {
			return c, true
		}
	}

	return columnInfo{}, false
}

// rebuild replaces table with a fresh copy. createStatement must create
// <table>_new and copyStatement fills it from the old table. The new table is
// renamed into place last so references from other tables keep their target.
func rebuild(ctx context.Context, tx *sql.Tx, table, createStatement, copyStatement string) error {
	stmts := []string{
		createStatement,
		copyStatement,
		"drop table " + table,
		"alter table " + table + "_new rename to " + table,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("could not rebuild %s: %w", table, err)
		}
	}

	return nil
}

// newTable turns a create statement for table into one for <table>_new.
func newTable(stmt, table string) string {
	return strings.Replace(stmt, "create table if not exists "+table+" ", "create table "+table+"_new ", 1)
}

func migrateCreateTables(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{createChannels, createVideos, createTranscripts} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func migrateChannelsURL(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "channels")
	if err != nil {
		return err
	}

	url, hasURL := findColumn(cols, "url")
	name, _ := findColumn(cols, "name")
	if hasURL && url.notNull && name.notNull {
		return nil
	}

	urlExpr := "''"
	if hasURL {
		urlExpr = "coalesce(url, '')"
	}

	return rebuild(ctx, tx, "channels", newTable(createChannels, "channels"),
		"insert into channels_new (id, name, url) select id, coalesce(name, ''), "+urlExpr+" from channels")
}

func migrateVideosChannelID(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "videos")
	if err != nil {
		return err
	}

	if _, ok := findColumn(cols, "channelid"); ok {
		if err := rebuild(ctx, tx, "videos", newTable(createVideos, "videos"),
			"insert into videos_new (id, channel_id, title, url) select id, channelid, coalesce(title, ''), coalesce(url, '') from videos"); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, "create index if not exists videos_channel_id on videos (channel_id)"); err != nil {
		return fmt.Errorf("could not create index: %w", err)
	}

	return nil
}

func migrateTranscriptsCompositeKey(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "transcripts")
	if err != nil {
		return err
	}

	videoID, hasVideoID := findColumn(cols, "video_id")
	language, _ := findColumn(cols, "language")
	if hasVideoID && videoID.pk == 1 && language.pk == 2 {
		return nil
	}

	source := "video_id"
	if !hasVideoID {
		source = "id"
	}

	return rebuild(ctx, tx, "transcripts", newTable(createTranscripts, "transcripts"), fmt.Sprintf(
		`insert into transcripts_new (video_id, language, transcript)
		select %[1]s, coalesce(language, ''), coalesce(transcript, '') from transcripts
		where %[1]s is not null and rowid in (select min(rowid) from transcripts group by %[1]s, language)`,
		source,
	))
}
