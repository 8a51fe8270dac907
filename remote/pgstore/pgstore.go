// Package pgstore implements a remote.Backend over Postgres. Tables are read
// and written through a pgx connection pool, and changes are delivered by
// LISTEN/NOTIFY: a trigger installed by InstallTrigger notifies channel
// <table>_changes with a JSON payload of each committed change.
package pgstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.salesops.dev/core/codec"
	"go.salesops.dev/core/remote"
)

// Store is a remote.Backend over a Postgres database.
type Store struct {
	Pool *pgxpool.Pool
	// ConnString of the database, used to open Listener connections.
	ConnString string
	// PingInterval is the idle interval after which a Listener connection
	// is checked.
	PingInterval time.Duration
}

var _ remote.Backend = (*Store)(nil)

// Open a Store of the database at |connString|, verifying it's reachable.
func Open(ctx context.Context, connString string) (*Store, error) {
	var cfg, err = pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing database URL")
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.WithMessage(err, "opening pool")
	} else if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WithMessage(err, "pinging database")
	}
	return &Store{Pool: pool, ConnString: connString, PingInterval: 90 * time.Second}, nil
}

// Gateway implements remote.Backend.
func (s *Store) Gateway(table string) remote.Gateway { return &gateway{pool: s.Pool, table: table} }

// Channel implements remote.Backend.
func (s *Store) Channel(table string) remote.Channel {
	return &channel{connString: s.ConnString, table: table, pingInterval: s.PingInterval}
}

// Close implements remote.Backend.
func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// InstallTrigger installs the change notification trigger of |table|.
func (s *Store) InstallTrigger(ctx context.Context, table string) error {
	var ident = pgx.Identifier{table}.Sanitize()
	var trigger = pgx.Identifier{table + "_changes"}.Sanitize()

	for _, stmt := range []string{
		notifyFunctionSQL,
		"DROP TRIGGER IF EXISTS " + trigger + " ON " + ident,
		"CREATE TRIGGER " + trigger + " AFTER INSERT OR UPDATE OR DELETE ON " + ident +
			" FOR EACH ROW EXECUTE FUNCTION salesops_notify_change()",
	} {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return errors.WithMessagef(err, "installing trigger of %s", table)
		}
	}
	return nil
}

const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION salesops_notify_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify(TG_TABLE_NAME || '_changes',
			json_build_object('type', TG_OP, 'id', OLD.id)::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify(TG_TABLE_NAME || '_changes',
		json_build_object('type', TG_OP, 'id', NEW.id, 'record', row_to_json(NEW))::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

type gateway struct {
	pool  *pgxpool.Pool
	table string
}

func (g *gateway) Table() string { return g.table }

func (g *gateway) FetchAll(ctx context.Context) ([]codec.Record, error) {
	var rows, err = g.pool.Query(ctx, "SELECT * FROM "+pgx.Identifier{g.table}.Sanitize())
	if err != nil {
		return nil, errors.WithMessagef(err, "querying %s", g.table)
	}
	out, err := pgx.CollectRows(rows, rowToRecord)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %s", g.table)
	}
	return out, nil
}

func (g *gateway) Insert(ctx context.Context, fields codec.Record) (codec.Record, error) {
	var query, args = insertSQL(g.table, fields)

	var rows, err = g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "inserting into %s", g.table)
	}
	row, err := pgx.CollectExactlyOneRow(rows, rowToRecord)
	if err != nil {
		return nil, errors.WithMessagef(err, "inserting into %s", g.table)
	}
	return row, nil
}

func (g *gateway) Update(ctx context.Context, id string, fields codec.Record) error {
	var query, args = updateSQL(g.table, id, fields)

	if tag, err := g.pool.Exec(ctx, query, args...); err != nil {
		return errors.WithMessagef(err, "updating %s %q", g.table, id)
	} else if tag.RowsAffected() == 0 {
		return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
	}
	return nil
}

func (g *gateway) Delete(ctx context.Context, id string) error {
	var query = "DELETE FROM " + pgx.Identifier{g.table}.Sanitize() + " WHERE id::text = $1"

	if tag, err := g.pool.Exec(ctx, query, id); err != nil {
		return errors.WithMessagef(err, "deleting %s %q", g.table, id)
	} else if tag.RowsAffected() == 0 {
		return errors.WithMessagef(remote.ErrNotFound, "%s %q", g.table, id)
	}
	return nil
}

// insertSQL returns an INSERT of |fields| into |table| which returns the
// stored row. Columns are ordered by name.
func insertSQL(table string, fields codec.Record) (string, []any) {
	var cols = sortedKeys(fields, "")
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(pgx.Identifier{table}.Sanitize())

	if len(cols) == 0 {
		b.WriteString(" DEFAULT VALUES RETURNING *")
		return b.String(), nil
	}
	var args = make([]any, len(cols))
	var params = make([]string, len(cols))

	for i, col := range cols {
		cols[i] = pgx.Identifier{col}.Sanitize()
		params[i] = "$" + strconv.Itoa(i+1)
		args[i] = fields[col]
	}
	b.WriteString(" (" + strings.Join(cols, ", ") + ")")
	b.WriteString(" VALUES (" + strings.Join(params, ", ") + ") RETURNING *")
	return b.String(), args
}

// updateSQL returns an UPDATE of |fields| of row |id|. The identifier
// column is never updated.
func updateSQL(table, id string, fields codec.Record) (string, []any) {
	var cols = sortedKeys(fields, "id")
	var sets = make([]string, len(cols))
	var args = make([]any, 0, len(cols)+1)

	for i, col := range cols {
		sets[i] = pgx.Identifier{col}.Sanitize() + " = $" + strconv.Itoa(i+1)
		args = append(args, fields[col])
	}
	if len(sets) == 0 {
		sets = append(sets, "id = id") // Touch the row, to verify it exists.
	}
	args = append(args, id)

	return "UPDATE " + pgx.Identifier{table}.Sanitize() +
		" SET " + strings.Join(sets, ", ") +
		" WHERE id::text = $" + strconv.Itoa(len(args)), args
}

func sortedKeys(r codec.Record, skip string) []string {
	var out = make([]string, 0, len(r))
	for k := range r {
		if k != skip {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// rowToRecord collects a row as a wire Record with normalized values.
func rowToRecord(row pgx.CollectableRow) (codec.Record, error) {
	var m, err = pgx.RowToMap(row)
	if err != nil {
		return nil, err
	}
	for _, fd := range row.FieldDescriptions() {
		var v = normalize(m[fd.Name], fd.DataTypeOID)
		if fd.Name == "id" {
			v = fmtID(v)
		}
		m[fd.Name] = v
	}
	return m, nil
}
