package sqlitelogger

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
	"unicode"

	proxy "github.com/shogo82148/go-sql-proxy"
	"github.com/sirupsen/logrus"

	"fknsrs.biz/p/ytscribe/internal/ctxclock"
	"fknsrs.biz/p/ytscribe/internal/ctxlogger"
	"fknsrs.biz/p/ytscribe/internal/stackutil"
)

var (
	ErrCancelLogging = fmt.Errorf("cancel logging")
)

// MaxArgLength bounds how much of a text argument is printed. Transcript
// bodies would otherwise flood the log.
const MaxArgLength = 120

type Stats struct {
	Start    time.Time
	Duration time.Duration
	Stack    []runtime.Frame

	query     string
	queryText string
	queryArgs []driver.NamedValue
}

func (s *Stats) Query() string {
	if s.query == "" && s.queryText != "" {
		s.query = printQuery(s.queryText, s.queryArgs)
	}
	return s.query
}

type Filter interface {
	PreCollection(ctx context.Context, stats *Stats) error
	PreLogging(ctx context.Context, stats *Stats) error
	HideStackFrame(ctx context.Context, index int, frame runtime.Frame) (bool, error)
}

func now(ctx context.Context) time.Time {
	if t, err := ctxclock.Now(ctx); err == nil {
		return t
	}

	return time.Now()
}

func makeStats(ctx context.Context, queryText string, args []driver.NamedValue, filters []Filter) (*Stats, error) {
	stats := &Stats{
		Start:     now(ctx),
		Stack:     stackutil.GetStack(100, 1),
		queryText: queryText,
		queryArgs: args,
	}

	for _, filter := range filters {
		if err := filter.PreCollection(ctx, stats); err != nil {
			if errors.Is(err, ErrCancelLogging) {
				return nil, nil
			}

			return nil, err
		}
	}

	return stats, nil
}

func logStats(ctx context.Context, upperError error, qctx interface{}, filters []Filter, prefix, message string) error {
	stats, ok := qctx.(*Stats)
	if !ok || stats == nil {
		return upperError
	}

	stats.Duration = now(ctx).Sub(stats.Start)

	for _, filter := range filters {
		if err := filter.PreLogging(ctx, stats); err != nil {
			if errors.Is(err, ErrCancelLogging) {
				return upperError
			}

			return err
		}
	}

	fields := logrus.Fields{
		prefix + ".start":    stats.Start.Format(time.RFC3339),
		prefix + ".duration": stats.Duration,
	}

	if q := stats.Query(); q != "" {
		fields[prefix+".content"] = q
	}

loop:
	for index, frame := range stats.Stack {
		for _, filter := range filters {
			hide, err := filter.HideStackFrame(ctx, index, frame)
			if err != nil {
				return err
			}
			if hide {
				continue loop
			}
		}

		fields[fmt.Sprintf("%s.stack.%02d", prefix, index)] = stackutil.FormatStackFrame(frame)
	}

	logger := ctxlogger.GetLogger(ctx).WithFields(fields)
	if upperError != nil {
		logger.WithError(upperError).Info(message + " failed")
	} else {
		logger.Info(message)
	}

	return upperError
}

func queryString(stmt *proxy.Stmt) string {
	if stmt == nil {
		return ""
	}

	return stmt.QueryString
}

// New wraps a driver so that every statement and transaction boundary is
// logged through the context logger.
func New(wrapped driver.Driver, filters ...Filter) driver.Driver {
	return proxy.NewProxyContext(wrapped, &proxy.HooksContext{
		PreExec: func(ctx context.Context, stmt *proxy.Stmt, args []driver.NamedValue) (interface{}, error) {
			return makeStats(ctx, queryString(stmt), args, filters)
		},
		PostExec: func(ctx context.Context, qctx interface{}, stmt *proxy.Stmt, args []driver.NamedValue, _ driver.Result, err error) error {
			return logStats(ctx, err, qctx, filters, "sql.exec", "sql exec")
		},
		PreQuery: func(ctx context.Context, stmt *proxy.Stmt, args []driver.NamedValue) (interface{}, error) {
			return makeStats(ctx, queryString(stmt), args, filters)
		},
		PostQuery: func(ctx context.Context, qctx interface{}, stmt *proxy.Stmt, args []driver.NamedValue, _ driver.Rows, err error) error {
			return logStats(ctx, err, qctx, filters, "sql.query", "sql query")
		},
		PreBegin: func(ctx context.Context, conn *proxy.Conn) (interface{}, error) {
			return makeStats(ctx, "", nil, filters)
		},
		PostBegin: func(ctx context.Context, qctx interface{}, conn *proxy.Conn, err error) error {
			return logStats(ctx, err, qctx, filters, "sql.tx_begin", "sql tx begin")
		},
		PreCommit: func(ctx context.Context, tx *proxy.Tx) (interface{}, error) {
			return makeStats(ctx, "", nil, filters)
		},
		PostCommit: func(ctx context.Context, qctx interface{}, tx *proxy.Tx, err error) error {
			return logStats(ctx, err, qctx, filters, "sql.tx_commit", "sql tx commit")
		},
		PreRollback: func(ctx context.Context, tx *proxy.Tx) (interface{}, error) {
			return makeStats(ctx, "", nil, filters)
		},
		PostRollback: func(ctx context.Context, qctx interface{}, tx *proxy.Tx, err error) error {
			return logStats(ctx, err, qctx, filters, "sql.tx_rollback", "sql tx rollback")
		},
	})
}

type BasicFilter struct {
	CancelAll                bool
	LogSlowerThan            time.Duration
	IgnorePackageStackFrames []string
	IgnoreFunctionQueries    []string
}

func (b *BasicFilter) PreCollection(ctx context.Context, stats *Stats) error {
	if b.CancelAll {
		return ErrCancelLogging
	}

	for _, functionName := range b.IgnoreFunctionQueries {
		for _, frame := range stats.Stack {
			if frame.Function == functionName {
				return ErrCancelLogging
			}
		}
	}

	return nil
}

func (b *BasicFilter) PreLogging(ctx context.Context, stats *Stats) error {
	if b.CancelAll {
		return ErrCancelLogging
	}

	if b.LogSlowerThan != 0 && stats.Duration < b.LogSlowerThan {
		return ErrCancelLogging
	}

	return nil
}

func (b *BasicFilter) HideStackFrame(ctx context.Context, index int, frame runtime.Frame) (bool, error) {
	return stackutil.InPackage(frame, b.IgnorePackageStackFrames), nil
}

var (
	placeholderPattern = regexp.MustCompile(`\?([0-9]*)|\$([0-9]+)`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// printQuery inlines arguments into a statement for display. Bare "?"
// placeholders consume arguments in order; "?N" and "$N" refer to the Nth.
func printQuery(sqlString string, args []driver.NamedValue) string {
	next := 0

	replaced := placeholderPattern.ReplaceAllStringFunc(sqlString, func(s string) string {
		var i int

		if s == "?" {
			next++
			i = next
		} else {
			n, err := strconv.Atoi(s[1:])
			if err != nil {
				return s
			}
			i = n
		}

		if i < 1 || i > len(args) {
			return s
		}

		return formatArg(args[i-1].Value)
	})

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(replaced, " "))
}

func formatArg(v driver.Value) string {
	switch e := v.(type) {
	case nil:
		return "NULL"
	case bool:
		return strconv.FormatBool(e)
	case int64:
		return strconv.FormatInt(e, 10)
	case float64:
		return strconv.FormatFloat(e, 'f', -1, 64)
	case time.Time:
		return "'" + e.Format(time.RFC3339Nano) + "'"
	case []byte:
		if r, ok := printable(string(e)); !ok {
			return fmt.Sprintf("[%d bytes of binary data (%q)]", len(e), r)
		}
		return quote(string(e))
	case string:
		return quote(e)
	default:
		s := fmt.Sprintf("%v", v)
		if r, ok := printable(s); !ok {
			return fmt.Sprintf("[%d bytes of binary data (%q)]", len(s), r)
		}
		return quote(s)
	}
}

func quote(s string) string {
	if r := []rune(s); len(r) > MaxArgLength {
		s = fmt.Sprintf("%s...[%d chars]", string(r[:MaxArgLength]), len(r))
	}

	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func printable(s string) (rune, bool) {
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}

		if unicode.IsControl(r) {
			return r, false
		}

		if !unicode.IsPrint(r) && r > unicode.MaxASCII {
			return r, false
		}
	}

	return 0, true
}
