// Package mysqlbinlog streams MySQL row changes by following the binlog
// as a replica, using go-mysql's canal.
package mysqlbinlog

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/offsets"
)

// SavePeriod is how often the synced binlog position is committed while running
var SavePeriod = 5 * time.Second

// Engine is a running canal replica for one task
type Engine struct {
	params  connector.Params
	handler connector.Handler
	log     logrus.FieldLogger
	canal   *canal.Canal
	offsets *offsets.Store
	resume  *mysql.Position
	synced  func() mysql.Position

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewFactory returns a connector.Factory that builds binlog engines
func NewFactory(log logrus.FieldLogger) connector.Factory {
	return func(p connector.Params, h connector.Handler) (connector.Engine, error) {
		return New(p, h, log)
	}
}

// New prepares a canal for p. Nothing is read until Run.
func New(p connector.Params, h connector.Handler, log logrus.FieldLogger) (*Engine, error) {
	log = log.WithFields(logrus.Fields{"task": p.TaskID, "engine": "mysql"})

	store, err := offsets.Open(p.OffsetStoragePath)
	if err != nil {
		return nil, err
	}
	e := &Engine{params: p, handler: h, log: log, offsets: store}

	if raw, ok, err := store.Position(); err != nil {
		store.Close()
		return nil, err
	} else if ok {
		pos, err := ParsePosition(raw)
		if err != nil {
			log.WithError(err).Warn("Ignoring unreadable stored binlog position")
		} else {
			e.resume = &pos
		}
	}

	c, err := canal.NewCanal(e.config())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create canal for %s: %w", p.TaskID, err)
	}
	c.SetEventHandler(&rowHandler{engine: e})
	e.canal = c
	e.synced = c.SyncedPosition
	return e, nil
}

func (e *Engine) config() *canal.Config {
	p := e.params
	cfg := canal.NewDefaultConfig()
	cfg.Addr = fmt.Sprintf("%s:%d", p.Hostname, p.Port)
	cfg.User = p.Username
	cfg.Password = p.Password
	cfg.ServerID = p.ServerID
	cfg.Flavor = mysql.MySQLFlavor
	cfg.Logger = e.log
	cfg.IncludeTableRegex = includeRegex(p.DatabaseName, p.TableIncludeList)

	// Snapshot only on a first start; a stored position means the dump already happened.
	cfg.Dump.ExecutionPath = ""
	if p.SnapshotMode == connector.DefaultSnapshotMode && e.resume == nil {
		cfg.Dump.ExecutionPath = "mysqldump"
		if p.DatabaseName != "" {
			cfg.Dump.Databases = []string{p.DatabaseName}
		}
	}
	return cfg
}

// Run replicates until ctx is canceled or Close is called
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(SavePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.canal.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				e.savePosition()
			}
		}
	}()

	var err error
	if e.resume != nil {
		e.log.WithField("pos", e.resume.String()).Info("Resuming binlog replication")
		err = e.canal.RunFrom(*e.resume)
	} else {
		e.log.Info("Starting binlog replication")
		err = e.canal.Run()
	}

	close(done)
	wg.Wait()

	e.savePosition()
	if cerr := e.offsets.Close(); cerr != nil {
		e.log.WithError(cerr).Warn("Failed to close offset store")
	}

	if e.isClosed() || ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("binlog replication: %w", err)
	}
	return nil
}

// Close stops replication. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	e.canal.Close()
	if !started {
		return e.offsets.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) savePosition() {
	pos := e.synced()
	if pos.Name == "" {
		return
	}
	if err := e.offsets.SavePosition(FormatPosition(pos)); err != nil {
		e.log.WithError(err).Warn("Failed to save binlog position")
	}
}

// FormatPosition renders a binlog position as file:offset
func FormatPosition(pos mysql.Position) string {
	return pos.Name + ":" + strconv.FormatUint(uint64(pos.Pos), 10)
}

// ParsePosition reads a position written by FormatPosition
func ParsePosition(s string) (mysql.Position, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return mysql.Position{}, fmt.Errorf("bad binlog position %q", s)
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		return mysql.Position{}, fmt.Errorf("bad binlog position %q: %w", s, err)
	}
	return mysql.Position{Name: s[:i], Pos: uint32(n)}, nil
}

// includeRegex turns db.table names into canal's anchored table regexes.
// Unqualified names are taken from db.
func includeRegex(db string, tables []string) []string {
	var out []string
	for _, t := range tables {
		if !strings.Contains(t, ".") {
			if db == "" {
				continue
			}
			t = db + "." + t
		}
		out = append(out, "^"+regexp.QuoteMeta(t)+"$")
	}
	if len(out) == 0 && db != "" {
		out = append(out, "^"+regexp.QuoteMeta(db)+`\..*$`)
	}
	return out
}
