package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelog/internal/ratelog"
	"github.com/srg/blelog/pkg/config"
	"github.com/srg/blelog/pkg/record"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLite writes rows into one table per endpoint, batching inserts.
type SQLite struct {
	db            *sql.DB
	path          string
	batchSize     int
	flushInterval time.Duration
	logger        *logrus.Entry

	tables   map[string]*sqliteTable
	failures *ratelog.Set
}

type sqliteTable struct {
	name    string
	columns []string
	insert  string
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, batchSize int, flushInterval time.Duration, logger *logrus.Entry) (*SQLite, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite takes pragmas as statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	logger.WithFields(logrus.Fields{"path": path, "batch_size": batchSize}).Info("Opened SQLite database")
	return &SQLite{
		db:            db,
		path:          path,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		tables:        make(map[string]*sqliteTable),
		failures:      ratelog.NewSet(time.Minute),
	}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

// DB returns the underlying handle.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database. Run calls it on exit.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Run(ctx context.Context, in <-chan *record.Record) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close SQLite database")
		}
	}()

	var tick <-chan time.Time
	if s.flushInterval > 0 {
		ticker := time.NewTicker(s.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	batch := make([]*record.Record, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		_ = s.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-in:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, r)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-tick:
			flush()
		}
	}
}

// write stores batch with one transaction per endpoint table, so a table that
// cannot be created or written loses only its own rows. Failures are logged
// per table at a bounded rate and returned joined.
func (s *SQLite) write(ctx context.Context, batch []*record.Record) error {
	ctx = context.WithoutCancel(ctx)

	var order []string
	groups := make(map[string][]*record.Record)
	for _, r := range batch {
		name := config.SQLIdentifier(r.EndpointName())
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], r)
	}

	var errs []error
	for _, name := range order {
		recs := groups[name]
		err := s.writeTable(ctx, recs)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		s.failures.Get(name).Log(s.logger.WithError(err).WithFields(logrus.Fields{
			"table":   name,
			"records": len(recs),
		}), logrus.ErrorLevel, "Failed to write batch")
	}
	return errors.Join(errs...)
}

// writeTable inserts recs, which all belong to one endpoint, in one transaction.
func (s *SQLite) writeTable(ctx context.Context, recs []*record.Record) error {
	t, err := s.table(ctx, recs[0])
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := s.insert(tx, t, recs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLite) insert(tx *sql.Tx, t *sqliteTable, recs []*record.Record) error {
	st, err := tx.Prepare(t.insert)
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", t.name, err)
	}
	defer st.Close()

	for _, r := range recs {
		for _, row := range r.Rows {
			if len(row) != len(t.columns) {
				s.logger.WithFields(logrus.Fields{
					"table":    t.name,
					"expected": len(t.columns),
					"got":      len(row),
				}).Warn("Row width mismatch, skipping row")
				continue
			}
			args := make([]any, 0, len(row)+1)
			args = append(args, r.DisplayName)
			for _, v := range row {
				args = append(args, sqliteValue(v))
			}
			if _, err := st.Exec(args...); err != nil {
				return fmt.Errorf("insert into %s: %w", t.name, err)
			}
		}
	}
	return nil
}

// table returns the table for r's endpoint. It is created outside any batch
// transaction and cached only once the CREATE succeeded.
func (s *SQLite) table(ctx context.Context, r *record.Record) (*sqliteTable, error) {
	name := config.SQLIdentifier(r.EndpointName())
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	cols := make([]string, len(r.Columns()))
	for i, c := range r.Columns() {
		cols[i] = config.SQLIdentifier(c)
	}

	defs := []string{"id INTEGER PRIMARY KEY AUTOINCREMENT", "device_name TEXT NOT NULL"}
	for _, c := range cols {
		defs = append(defs, quoteIdent(c)+" TEXT")
	}
	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return nil, fmt.Errorf("create table %s: %w", name, err)
	}

	all := []string{"device_name"}
	for _, c := range cols {
		all = append(all, quoteIdent(c))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")
	t := &sqliteTable{
		name:    name,
		columns: cols,
		insert:  fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quoteIdent(name), strings.Join(all, ", "), placeholders),
	}
	s.tables[name] = t
	s.logger.WithFields(logrus.Fields{"table": name, "columns": cols}).Info("Ensured table exists")
	return t, nil
}

// quoteIdent quotes a sanitized identifier so SQL keywords stay usable.
func quoteIdent(name string) string { return `"` + name + `"` }

func sqliteValue(v any) any {
	switch x := v.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return formatValue(x)
		}
		return int64(x)
	case int64, float64, bool, string, []byte, nil:
		return x
	default:
		return formatValue(x)
	}
}
