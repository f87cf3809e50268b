// Package sqlservercdc streams SQL Server row changes by polling the
// change tables that SQL Server CDC maintains for each capture instance.
package sqlservercdc

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/offsets"
)

// PollInterval is the wait between change table polls
var PollInterval = time.Second

// Engine polls the capture instances of one task
type Engine struct {
	params  connector.Params
	handler connector.Handler
	log     logrus.FieldLogger
	offsets *offsets.Store
	tables  []captureTable
	open    func() (*sql.DB, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// NewFactory returns a connector.Factory that builds SQL Server CDC engines
func NewFactory(log logrus.FieldLogger) connector.Factory {
	return func(p connector.Params, h connector.Handler) (connector.Engine, error) {
		return New(p, h, log)
	}
}

// New validates the table list and opens the offset store
func New(p connector.Params, h connector.Handler, log logrus.FieldLogger) (*Engine, error) {
	tables, err := captureTables(p.TableIncludeList)
	if err != nil {
		return nil, err
	}
	store, err := offsets.Open(p.OffsetStoragePath)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		params:  p,
		handler: h,
		log:     log.WithFields(logrus.Fields{"task": p.TaskID, "engine": "sqlserver"}),
		offsets: store,
		tables:  tables,
	}
	e.open = func() (*sql.DB, error) { return sql.Open("sqlserver", DSN(p)) }
	return e, nil
}

// DSN builds a go-mssqldb connection URL for p
func DSN(p connector.Params) string {
	q := url.Values{}
	q.Set("database", p.DatabaseName)
	q.Set("app name", p.Name)
	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     net.JoinHostPort(p.Hostname, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Run polls until ctx is canceled or Close is called
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.started = true
	e.mu.Unlock()
	defer cancel()

	defer func() {
		if err := e.offsets.Close(); err != nil {
			e.log.WithError(err).Warn("Failed to close offset store")
		}
	}()

	db, err := e.open()
	if err != nil {
		return fmt.Errorf("open sqlserver: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect sqlserver: %w", err)
	}
	e.log.WithField("tables", len(e.tables)).Info("Starting CDC polling")

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		if err := e.poll(ctx, db); err != nil {
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

// poll reads every capture instance up to the current max LSN
func (e *Engine) poll(ctx context.Context, db *sql.DB) error {
	var maxLSN []byte
	if err := db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_max_lsn()").Scan(&maxLSN); err != nil {
		return fmt.Errorf("read max lsn: %w", err)
	}
	if len(maxLSN) == 0 {
		return nil // capture job has not run yet
	}

	for _, t := range e.tables {
		last, ok, err := e.lastLSN(t)
		if err != nil {
			return err
		}
		if !ok && e.params.SnapshotMode == connector.DefaultSnapshotMode {
			if err := e.snapshot(ctx, db, t); err != nil {
				return err
			}
			if err := e.saveLSN(t, maxLSN); err != nil {
				return err
			}
			continue
		}

		from, err := e.fromLSN(ctx, db, t, last, ok)
		if err != nil {
			return err
		}
		if len(from) == 0 || bytes.Compare(from, maxLSN) > 0 {
			continue
		}
		if err := e.changes(ctx, db, t, from, maxLSN); err != nil {
			return err
		}
		if err := e.saveLSN(t, maxLSN); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fromLSN(ctx context.Context, db *sql.DB, t captureTable, last []byte, ok bool) ([]byte, error) {
	var from []byte
	var err error
	if ok {
		err = db.QueryRowContext(ctx, "SELECT sys.fn_cdc_increment_lsn(@last)", sql.Named("last", last)).Scan(&from)
	} else {
		err = db.QueryRowContext(ctx, "SELECT sys.fn_cdc_get_min_lsn(@inst)", sql.Named("inst", t.instance)).Scan(&from)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve start lsn for %s: %w", t.instance, err)
	}
	return from, nil
}

func (e *Engine) changes(ctx context.Context, db *sql.DB, t captureTable, from, to []byte) error {
	query := "SELECT * FROM cdc.fn_cdc_get_all_changes_" + t.instance + "(@from, @to, N'all') ORDER BY __$start_lsn, __$seqval"
	rows, err := db.QueryContext(ctx, query, sql.Named("from", from), sql.Named("to", to))
	if err != nil {
		return fmt.Errorf("read changes for %s: %w", t.instance, err)
	}
	defer rows.Close()

	b := newBatch(e.params.ServerName, e.params.DatabaseName, t)
	if err := b.scan(rows, e.emit); err != nil {
		return fmt.Errorf("scan changes for %s: %w", t.instance, err)
	}
	return nil
}

func (e *Engine) snapshot(ctx context.Context, db *sql.DB, t captureTable) error {
	e.log.WithField("table", t.qualified()).Info("Snapshotting table")
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+t.quoted())
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", t.qualified(), err)
	}
	defer rows.Close()

	b := newBatch(e.params.ServerName, e.params.DatabaseName, t)
	if err := b.scanSnapshot(rows, e.emit); err != nil {
		return fmt.Errorf("snapshot %s: %w", t.qualified(), err)
	}
	return nil
}

func (e *Engine) emit(ev connector.ChangeEvent) {
	rec, err := ev.Record()
	if err != nil {
		e.log.WithError(err).Warn("Dropping unencodable change")
		return
	}
	e.handler(rec)
}

func (e *Engine) lastLSN(t captureTable) ([]byte, bool, error) {
	raw, ok, err := e.offsets.Get("lsn:" + t.instance)
	if err != nil || !ok {
		return nil, false, err
	}
	lsn, err := hex.DecodeString(raw)
	if err != nil {
		e.log.WithError(err).WithField("table", t.qualified()).Warn("Ignoring unreadable stored LSN")
		return nil, false, nil
	}
	return lsn, true, nil
}

func (e *Engine) saveLSN(t captureTable, lsn []byte) error {
	return e.offsets.Put("lsn:"+t.instance, hex.EncodeToString(lsn))
}

// Close stops polling. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.started {
		return e.offsets.Close()
	}
	e.cancel()
	return nil
}
