package dbsavepoint

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var (
	ErrAlreadyRolledBack = fmt.Errorf("dbsavepoint: savepoint already rolled back")
	ErrAlreadyReleased   = fmt.Errorf("dbsavepoint: savepoint already released")
	ErrInvalidName       = fmt.Errorf("dbsavepoint: invalid savepoint name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Savepoint is a named SQLite savepoint. A savepoint created from a database
// owns its transaction and commits or rolls it back when it is released or
// rolled back; nested savepoints share their parent's transaction.
type Savepoint struct {
	parent     *Savepoint
	tx         *sql.Tx
	name       string
	ownsTx     bool
	released   bool
	rolledBack bool
}

func checkName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

func CreateFromDB(ctx context.Context, db *sql.DB, name string) (*Savepoint, error) {
	if err := checkName(name); err != nil {
		return nil, fmt.Errorf("dbsavepoint.CreateFromDB: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("dbsavepoint.CreateFromDB: could not begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "savepoint "+name); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("dbsavepoint.CreateFromDB: could not create savepoint: %w", err)
	}

	return &Savepoint{name: name, tx: tx, ownsTx: true}, nil
}

func CreateFromParent(ctx context.Context, sp *Savepoint, name string) (*Savepoint, error) {
	if err := checkName(name); err != nil {
		return nil, fmt.Errorf("dbsavepoint.CreateFromParent: %w", err)
	}

	if _, err := sp.ExecContext(ctx, "savepoint "+name); err != nil {
		return nil, fmt.Errorf("dbsavepoint.CreateFromParent: could not create savepoint: %w", err)
	}

	return &Savepoint{name: name, tx: sp.tx, parent: sp}, nil
}

// Path is the dotted list of savepoint names from the outermost savepoint.
func (sp *Savepoint) Path() string {
	if sp.parent != nil {
		return sp.parent.Path() + "." + sp.name
	}

	return sp.name
}

// Tx is the transaction the savepoint lives in.
func (sp *Savepoint) Tx() *sql.Tx {
	return sp.tx
}

func (sp *Savepoint) querier() querier {
	if sp.parent != nil {
		return sp.parent
	}

	return sp.tx
}

func (sp *Savepoint) state() error {
	switch {
	case sp.rolledBack:
		return ErrAlreadyRolledBack
	case sp.released:
		return ErrAlreadyReleased
	}

	return nil
}

func (sp *Savepoint) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if err := sp.state(); err != nil {
		return nil, err
	}

	return sp.querier().QueryContext(ctx, query, args...)
}

// QueryRowContext does not check the savepoint state; a *sql.Row cannot be
// built with a custom error.
func (sp *Savepoint) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return sp.querier().QueryRowContext(ctx, query, args...)
}

func (sp *Savepoint) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	if err := sp.state(); err != nil {
		return nil, err
	}

	return sp.querier().ExecContext(ctx, query, args...)
}

func (sp *Savepoint) Create(ctx context.Context, name string) (*Savepoint, error) {
	if err := sp.state(); err != nil {
		return nil, err
	}

	return CreateFromParent(ctx, sp, name)
}

func (sp *Savepoint) Release(ctx context.Context) error {
	if err := sp.state(); err != nil {
		return err
	}

	sp.released = true

	if _, err := sp.querier().ExecContext(ctx, "release savepoint "+sp.name); err != nil {
		if sp.ownsTx {
			sp.tx.Rollback()
		}

		return fmt.Errorf("dbsavepoint.Savepoint.Release: %s: %w", sp.Path(), err)
	}

	if sp.ownsTx && sp.tx != nil {
		if err := sp.tx.Commit(); err != nil {
			return fmt.Errorf("dbsavepoint.Savepoint.Release: %s: could not commit: %w", sp.Path(), err)
		}
	}

	return nil
}

// Rollback undoes everything since the savepoint was created and discards it.
func (sp *Savepoint) Rollback(ctx context.Context) error {
	if err := sp.state(); err != nil {
		return err
	}

	sp.rolledBack = true

	if sp.ownsTx && sp.tx != nil {
		if err := sp.tx.Rollback(); err != nil {
			return fmt.Errorf("dbsavepoint.Savepoint.Rollback: %s: %w", sp.Path(), err)
		}

		return nil
	}

	// "rollback to" leaves the savepoint on the stack, so it is released too.
	if _, err := sp.querier().ExecContext(ctx, "rollback to savepoint "+sp.name); err != nil {
		return fmt.Errorf("dbsavepoint.Savepoint.Rollback: %s: %w", sp.Path(), err)
	}

	if _, err := sp.querier().ExecContext(ctx, "release savepoint "+sp.name); err != nil {
		return fmt.Errorf("dbsavepoint.Savepoint.Rollback: %s: %w", sp.Path(), err)
	}

	return nil
}
