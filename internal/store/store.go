package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"

	"fknsrs.biz/p/sorm"
	"fknsrs.biz/p/sqlbuilder"
	"github.com/mattn/go-sqlite3"

	"fknsrs.biz/p/ytscribe/internal/ctxdb"
	"fknsrs.biz/p/ytscribe/internal/dbsavepoint"
	"fknsrs.biz/p/ytscribe/internal/sqlbuilderutil"
	"fknsrs.biz/p/ytscribe/models"
)

func init() {
	sorm.SetParameterPrefix("?")
}

var (
	ErrUnknownTable  = fmt.Errorf("store: unknown table")
	ErrUnknownColumn = fmt.Errorf("store: unknown column")
	ErrClosed        = fmt.Errorf("store: closed")
	ErrMissingID     = fmt.Errorf("store: record has no id")
)

// PersistenceError is returned by every store operation that fails.
type PersistenceError struct {
	Op    string
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store.%s: %s: %s", e.Op, e.Table, e.Err.Error())
	}

	return fmt.Sprintf("store.%s: %s", e.Op, e.Err.Error())
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Constraint reports whether the failure was a uniqueness, primary key or
// other constraint violation.
func (e *PersistenceError) Constraint() bool {
	var serr sqlite3.Error
	if errors.As(e.Err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}

	return false
}

// IsConstraint reports whether err is a PersistenceError caused by a
// constraint violation.
func IsConstraint(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr) && perr.Constraint()
}

var tables = map[string]*sqlbuilderutil.Table{
	models.ChannelTable.Name():    models.ChannelTable,
	models.VideoTable.Name():      models.VideoTable,
	models.TranscriptTable.Name(): models.TranscriptTable,
}

var recordTables = map[reflect.Type]*sqlbuilderutil.Table{
	reflect.TypeOf(models.Channel{}):    models.ChannelTable,
	reflect.TypeOf(models.Video{}):      models.VideoTable,
	reflect.TypeOf(models.Transcript{}): models.TranscriptTable,
}

var tableRecords = func() map[string]reflect.Type {
	m := make(map[string]reflect.Type)
	for typ, t := range recordTables {
		m[t.Name()] = typ
	}
	return m
}()

// Store is the handle on the SQLite database. Calls made with a context
// returned by InSavepoint run inside that savepoint.
type Store struct {
	db     *sql.DB
	closed bool
}

func Open(ctx context.Context, driverName, dataSource string) (*Store, error) {
	db, err := sql.Open(driverName, dataSource)
	if err != nil {
		return nil, &PersistenceError{Op: "Open", Err: err}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "Open", Err: err}
	}

	return &Store{db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) querier(ctx context.Context) (ctxdb.Querier, error) {
	if s.closed {
		return nil, ErrClosed
	}

	return ctxdb.GetQuerier(ctxdb.WithDB(ctx, s.db))
}

func lookupTable(name string, columns []string) (*sqlbuilderutil.Table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}

	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns given", ErrUnknownColumn)
	}

	for _, c := range columns {
		if !t.HasColumn(c) {
			return nil, fmt.Errorf("%w: %q in %s", ErrUnknownColumn, c, name)
		}
	}

	return t, nil
}

// whereEqual builds a where clause matching every column to its value. Values are
// always bound as parameters.
func whereEqual(t *sqlbuilderutil.Table, columns []string, values []interface{}) (string, []interface{}, error) {
	conditions := make([]sqlbuilder.AsExpr, len(columns))
	for i, c := range columns {
		conditions[i] = sqlbuilder.Eq(t.C(c), sqlbuilder.Bind(values[i]))
	}

	s := sqlbuilder.NewSerializer(sqlbuilder.DialectSQLite{})

	clause, args, err := s.D("where ").F(sqlbuilder.BooleanOperator("AND", conditions...).AsExpr).ToSQL()
	if err != nil {
		return "", nil, err
	}

	return clause, args, nil
}

// Exists reports whether any row of table has columns equal to values.
func (s *Store) Exists(ctx context.Context, table string, columns []string, values ...interface{}) (bool, error) {
	t, err := lookupTable(table, columns)
	if err != nil {
		return false, &PersistenceError{Op: "Exists", Table: table, Err: err}
	}

	if len(values) != len(columns) {
		return false, &PersistenceError{Op: "Exists", Table: table, Err: fmt.Errorf("%d columns but %d values", len(columns), len(values))}
	}

	q, err := s.querier(ctx)
	if err != nil {
		return false, &PersistenceError{Op: "Exists", Table: table, Err: err}
	}

	clause, args, err := whereEqual(t, columns, values)
	if err != nil {
		return false, &PersistenceError{Op: "Exists", Table: table, Err: err}
	}

	n, err := sorm.CountWhere(ctx, q, reflect.New(tableRecords[table]).Interface(), clause, args...)
	if err != nil {
		return false, &PersistenceError{Op: "Exists", Table: table, Err: err}
	}

	return n > 0, nil
}

// Insert appends one row. Values are always bound as parameters.
func (s *Store) Insert(ctx context.Context, table string, columns []string, values []interface{}) error {
	t, err := lookupTable(table, columns)
	if err != nil {
		return &PersistenceError{Op: "Insert", Table: table, Err: err}
	}

	if len(values) != len(columns) {
		return &PersistenceError{Op: "Insert", Table: table, Err: fmt.Errorf("%d columns but %d values", len(columns), len(values))}
	}

	q, err := s.querier(ctx)
	if err != nil {
		return &PersistenceError{Op: "Insert", Table: table, Err: err}
	}

	insertColumns := make(sqlbuilder.InsertColumns)
	for i, c := range columns {
		insertColumns[t.C(c)] = sqlbuilder.Bind(values[i])
	}

	query, args, err := sqlbuilder.NewSerializer(sqlbuilder.DialectSQLite{}).F(sqlbuilder.Insert().Table(t.Table).Columns(insertColumns).AsStatement).ToSQL()
	if err != nil {
		return &PersistenceError{Op: "Insert", Table: table, Err: err}
	}

	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return &PersistenceError{Op: "Insert", Table: table, Err: err}
	}

	return nil
}

// CreateRecord inserts a model struct (or pointer to one) into its table,
// inside the savepoint in ctx if there is one.
func (s *Store) CreateRecord(ctx context.Context, record interface{}) error {
	v := reflect.Indirect(reflect.ValueOf(record))

	t, ok := recordTables[v.Type()]
	if !ok {
		return &PersistenceError{Op: "CreateRecord", Err: fmt.Errorf("%w: no table for %T", ErrUnknownTable, record)}
	}

	// sorm would otherwise leave an empty ID to the database
	if id := v.FieldByName("ID"); id.IsValid() && id.IsZero() {
		return &PersistenceError{Op: "CreateRecord", Table: t.Name(), Err: ErrMissingID}
	}

	if s.closed {
		return &PersistenceError{Op: "CreateRecord", Table: t.Name(), Err: ErrClosed}
	}

	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)

	if sp := ctxdb.GetSavepoint(ctx); sp != nil {
		if err := sorm.CreateRecord(ctx, sp.Tx(), ptr.Interface()); err != nil {
			return &PersistenceError{Op: "CreateRecord", Table: t.Name(), Err: err}
		}

		return nil
	}

	if err := ctxdb.UsingTx(ctxdb.WithDB(ctx, s.db), nil, func(ctx context.Context, tx *sql.Tx) error {
		return sorm.CreateRecord(ctx, tx, ptr.Interface())
	}); err != nil {
		return &PersistenceError{Op: "CreateRecord", Table: t.Name(), Err: err}
	}

	return nil
}

// Query reads model structs into out (a pointer to a slice) using a
// parameterised where clause.
func (s *Store) Query(ctx context.Context, out interface{}, where string, args ...interface{}) error {
	q, err := s.querier(ctx)
	if err != nil {
		return &PersistenceError{Op: "Query", Err: err}
	}

	if err := sorm.FindWhere(ctx, q, out, where, args...); err != nil {
		return &PersistenceError{Op: "Query", Err: err}
	}

	return nil
}

func (s *Store) Channels(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := s.Query(ctx, &channels, "order by rowid"); err != nil {
		return nil, err
	}

	return channels, nil
}

// VideoIDsForChannel lists the ids of the videos already stored for a
// channel, in insertion order.
func (s *Store) VideoIDsForChannel(ctx context.Context, channelID string) ([]string, error) {
	q, err := s.querier(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "VideoIDsForChannel", Table: "videos", Err: err}
	}

	rows, err := q.QueryContext(ctx, "select id from videos where channel_id = ? order by rowid", channelID)
	if err != nil {
		return nil, &PersistenceError{Op: "VideoIDsForChannel", Table: "videos", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &PersistenceError{Op: "VideoIDsForChannel", Table: "videos", Err: err}
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "VideoIDsForChannel", Table: "videos", Err: err}
	}

	return ids, nil
}

// PendingTranscripts lists videos that have no transcript in any language.
func (s *Store) PendingTranscripts(ctx context.Context) ([]models.Video, error) {
	var videos []models.Video
	if err := s.Query(ctx, &videos, "where id not in (select video_id from transcripts) order by rowid"); err != nil {
		return nil, err
	}

	return videos, nil
}

type Counts struct {
	Channels    int
	Videos      int
	Transcripts int
}

func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	q, err := s.querier(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: "Counts", Err: err}
	}

	var c Counts
	if err := q.QueryRowContext(ctx, `select
		(select count(*) from channels),
		(select count(*) from videos),
		(select count(*) from transcripts)`).Scan(&c.Channels, &c.Videos, &c.Transcripts); err != nil {
		return nil, &PersistenceError{Op: "Counts", Err: err}
	}

	return &c, nil
}

// InSavepoint runs fn inside a savepoint nested in any savepoint already in
// ctx. The savepoint is rolled back if fn returns an error.
func (s *Store) InSavepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.closed {
		return &PersistenceError{Op: "InSavepoint", Err: ErrClosed}
	}

	return ctxdb.UsingSavepoint(ctxdb.WithDB(ctx, s.db), name, func(ctx context.Context, sp *dbsavepoint.Savepoint) error {
		return fn(ctx)
	})
}

func (s *Store) Close() error {
	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.db.Close(); err != nil {
		return &PersistenceError{Op: "Close", Err: err}
	}

	return nil
}
