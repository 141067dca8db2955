// Package replica loads tables and change logs from a SQLite replica of the upstream database.
//
// A replica holds one SQLite table per replicated table plus a change log:
//
//	CREATE TABLE _ivm_changelog (
//		version INTEGER NOT NULL,
//		tbl     TEXT NOT NULL,
//		op      TEXT NOT NULL,
//		old_row TEXT,
//		new_row TEXT
//	);
//
// Rows of the change log are JSON objects. The rows of a version form one transaction.
package replica

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/mattn/go-sqlite3"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/l7mp/ivm/pkg/host"
	"github.com/l7mp/ivm/pkg/ivm"
)

// ChangeLogTable is the name of the change log table.
const ChangeLogTable = "_ivm_changelog"

// Replica is a read-only handle to a replica file.
type Replica struct {
	db  *sql.DB
	log logr.Logger
}

// Open opens a replica file for reading.
func Open(path string, log logr.Logger) (*Replica, error) {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, NewReplicaError(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewReplicaError(err)
	}
	return &Replica{db: db, log: log.WithName("replica").WithValues("path", path)}, nil
}

// Close closes the replica file.
func (r *Replica) Close() error { return r.db.Close() }

// Tables returns the schema of the replicated tables, in name order. Internal tables and tables
// without a primary key are skipped.
func (r *Replica) Tables(ctx context.Context) ([]host.TableSpec, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	if err != nil {
		return nil, NewReplicaError(err)
	}
	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, NewReplicaError(err)
		}
		if strings.HasPrefix(name, "sqlite_") || strings.HasPrefix(name, "_ivm_") {
			continue
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, NewReplicaError(err)
	}

	specs := []host.TableSpec{}
	for _, name := range names {
		spec, err := r.tableSpec(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(spec.PrimaryKey) == 0 {
			r.log.Info("skipping table without a primary key", "table", name)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (r *Replica) tableSpec(ctx context.Context, table string) (host.TableSpec, error) {
	spec := host.TableSpec{Name: table, Columns: map[string]ivm.ColumnType{}}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(table)))
	if err != nil {
		return spec, NewReplicaError(err)
	}
	defer rows.Close()

	pk := map[int]string{}
	for rows.Next() {
		var (
			cid, notNull, pkIndex int
			name, declType        string
			dflt                  sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pkIndex); err != nil {
			return spec, NewReplicaError(err)
		}
		spec.Columns[name] = columnType(declType)
		if pkIndex > 0 {
			pk[pkIndex] = name
		}
	}
	if err := rows.Err(); err != nil {
		return spec, NewReplicaError(err)
	}
	for i := 1; i <= len(pk); i++ {
		spec.PrimaryKey = append(spec.PrimaryKey, pk[i])
	}
	return spec, nil
}

// columnType maps a declared SQLite type to a column type, following the SQLite type affinity
// rules.
func columnType(decl string) ivm.ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "BOOL"):
		return ivm.TypeBoolean
	case strings.Contains(d, "JSON"):
		return ivm.TypeJSON
	case strings.Contains(d, "INT"), strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"),
		strings.Contains(d, "DOUB"), strings.Contains(d, "NUM"), strings.Contains(d, "DEC"):
		return ivm.TypeNumber
	}
	return ivm.TypeString
}

// Rows returns the current rows of a table.
func (r *Replica) Rows(ctx context.Context, spec host.TableSpec) ([]ivm.Row, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quote(spec.Name)))
	if err != nil {
		return nil, NewReplicaError(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, NewReplicaError(err)
	}
	ret := []ivm.Row{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, NewReplicaError(err)
		}
		row := make(ivm.Row, len(cols))
		for i, col := range cols {
			v, err := convert(vals[i], spec.Columns[col])
			if err != nil {
				return nil, NewReplicaError(fmt.Errorf("table %q column %q: %w", spec.Name, col, err))
			}
			row[col] = v
		}
		ret = append(ret, row)
	}
	if err := rows.Err(); err != nil {
		return nil, NewReplicaError(err)
	}
	return ret, nil
}

// convert turns a value scanned from SQLite into a row value of the given column type.
func convert(v any, typ ivm.ColumnType) (ivm.Value, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	switch typ {
	case ivm.TypeBoolean:
		if i, ok := v.(int64); ok {
			return i != 0, nil
		}
	case ivm.TypeJSON:
		if s, ok := v.(string); ok {
			var ret any
			if err := json.Unmarshal([]byte(s), &ret); err != nil {
				return nil, err
			}
			return ret, nil
		}
	}
	return v, nil
}

// Version returns the last version of the change log, 0 if it is empty or missing.
func (r *Replica) Version(ctx context.Context) (int64, error) {
	ok, err := r.hasChangeLog(ctx)
	if err != nil || !ok {
		return 0, err
	}
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT MAX(version) FROM %s", ChangeLogTable)).Scan(&v); err != nil {
		return 0, NewReplicaError(err)
	}
	return v.Int64, nil
}

func (r *Replica) hasChangeLog(ctx context.Context) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", ChangeLogTable).Scan(&n); err != nil {
		return false, NewReplicaError(err)
	}
	return n > 0, nil
}

// Changes returns the transactions of the change log with a version greater than after, in
// version order.
func (r *Replica) Changes(ctx context.Context, after int64) ([]host.Transaction, error) {
	ok, err := r.hasChangeLog(ctx)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT version, tbl, op, old_row, new_row FROM %s WHERE version > ? ORDER BY version, rowid",
		ChangeLogTable), after)
	if err != nil {
		return nil, NewReplicaError(err)
	}
	defer rows.Close()

	ret := []host.Transaction{}
	for rows.Next() {
		var (
			version        int64
			table, op      string
			oldRow, newRow sql.NullString
		)
		if err := rows.Scan(&version, &table, &op, &oldRow, &newRow); err != nil {
			return nil, NewReplicaError(err)
		}
		c, err := rowChange(table, host.ChangeOp(op), oldRow, newRow)
		if err != nil {
			return nil, NewReplicaError(fmt.Errorf("version %d: %w", version, err))
		}
		if len(ret) == 0 || ret[len(ret)-1].Version != version {
			ret = append(ret, host.Transaction{Version: version})
		}
		tx := &ret[len(ret)-1]
		tx.Changes = append(tx.Changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewReplicaError(err)
	}
	return ret, nil
}

func rowChange(table string, op host.ChangeOp, oldRow, newRow sql.NullString) (host.RowChange, error) {
	c := host.RowChange{Table: table, Op: op}
	decode := func(s sql.NullString) (ivm.Row, error) {
		if !s.Valid {
			return nil, nil
		}
		row := ivm.Row{}
		if err := json.Unmarshal([]byte(s.String), &row); err != nil {
			return nil, fmt.Errorf("invalid row %q: %w", s.String, err)
		}
		return row, nil
	}

	var err error
	switch op {
	case host.OpAdd:
		c.Row, err = decode(newRow)
	case host.OpRemove:
		c.Row, err = decode(oldRow)
	case host.OpEdit:
		if c.OldRow, err = decode(oldRow); err == nil {
			c.Row, err = decode(newRow)
		}
	default:
		return c, fmt.Errorf("%w: %q", host.ErrInvalidOp, op)
	}
	return c, err
}

// Load creates the tables of the replica on a host and loads their rows. The host should have
// been created with the version of the replica as its watermark.
func (r *Replica) Load(ctx context.Context, h *host.Host) error {
	specs, err := r.Tables(ctx)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		rows, err := r.Rows(ctx, spec)
		if err != nil {
			return err
		}
		if err := h.AddTable(spec, rows...); err != nil {
			return NewReplicaError(err)
		}
	}
	r.log.V(2).Info("replica loaded", "tables", len(specs))
	return nil
}

// Sync applies the transactions of the change log that are newer than the watermark of the
// host. It returns the number of transactions applied.
func (r *Replica) Sync(ctx context.Context, h *host.Host) (int, error) {
	txs, err := r.Changes(ctx, h.Watermark())
	if err != nil {
		return 0, err
	}
	for i, tx := range txs {
		if err := h.Apply(ctx, tx); err != nil {
			return i, err
		}
	}
	if len(txs) > 0 {
		r.log.V(4).Info("replica synced", "transactions", len(txs), "watermark", h.Watermark())
	}
	return len(txs), nil
}

// Follow syncs the host periodically until the context is cancelled.
func (r *Replica) Follow(ctx context.Context, h *host.Host, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sync(ctx, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
