// Package pgoutput streams PostgreSQL row changes from a logical
// replication slot decoded by the built-in pgoutput plugin.
package pgoutput

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/cdcfleet/internal/connector"
	"github.com/dreamware/cdcfleet/internal/offsets"
)

// StandbyTimeout bounds the time between status updates sent to the server
var StandbyTimeout = 10 * time.Second

// duplicate_object, returned when the slot already exists
const codeDuplicateObject = "42710"

// Engine consumes one replication slot
type Engine struct {
	params  connector.Params
	handler connector.Handler
	log     logrus.FieldLogger
	offsets *offsets.Store
	decoder *decoder

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// NewFactory returns a connector.Factory that builds pgoutput engines
func NewFactory(log logrus.FieldLogger) connector.Factory {
	return func(p connector.Params, h connector.Handler) (connector.Engine, error) {
		return New(p, h, log)
	}
}

// New opens the offset store for p. The connection is made in Run.
func New(p connector.Params, h connector.Handler, log logrus.FieldLogger) (*Engine, error) {
	store, err := offsets.Open(p.OffsetStoragePath)
	if err != nil {
		return nil, err
	}
	return &Engine{
		params:  p,
		handler: h,
		log:     log.WithFields(logrus.Fields{"task": p.TaskID, "engine": "postgres", "slot": p.SlotName}),
		offsets: store,
		decoder: newDecoder(p.ServerName, p.DatabaseName, p.TableIncludeList),
	}, nil
}

// ConnString builds a replication connection URL for p
func ConnString(p connector.Params) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.Username, p.Password),
		Host:     net.JoinHostPort(p.Hostname, strconv.Itoa(p.Port)),
		Path:     "/" + p.DatabaseName,
		RawQuery: "replication=database",
	}
	return u.String()
}

// Run streams from the slot until ctx is canceled or Close is called
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

	err := e.stream(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) stream(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, ConnString(e.params))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, e.params.SlotName, e.params.PluginName,
		pglogrepl.CreateReplicationSlotOptions{})
	var pgErr *pgconn.PgError
	if err != nil && !(errors.As(err, &pgErr) && pgErr.Code == codeDuplicateObject) {
		return fmt.Errorf("create slot %s: %w", e.params.SlotName, err)
	}

	start, err := e.resumeLSN()
	if err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{"from": start.String(), "server_wal": sys.XLogPos.String()}).Info("Starting logical replication")

	err = pglogrepl.StartReplication(ctx, conn, e.params.SlotName, start, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			"publication_names '" + e.params.Publication + "'",
		},
	})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	applied := start
	deadline := time.Now().Add(StandbyTimeout)
	for {
		if time.Now().After(deadline) {
			if err := e.ack(ctx, conn, applied); err != nil {
				return err
			}
			deadline = time.Now().Add(StandbyTimeout)
		}

		rctx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := conn.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				_ = e.ack(context.Background(), conn, applied)
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive: %w", err)
		}

		switch m := msg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("server error: %s %s", m.Code, m.Message)
		case *pgproto3.CopyData:
			if len(m.Data) == 0 {
				continue
			}
			switch m.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(m.Data[1:])
				if err != nil {
					return fmt.Errorf("parse keepalive: %w", err)
				}
				if ka.ReplyRequested {
					deadline = time.Time{}
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(m.Data[1:])
				if err != nil {
					return fmt.Errorf("parse xlog data: %w", err)
				}
				if err := e.apply(xld); err != nil {
					return err
				}
				if end := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); end > applied {
					applied = end
				}
			}
		}
	}
}

func (e *Engine) apply(xld pglogrepl.XLogData) error {
	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("parse logical message: %w", err)
	}
	ev, ok := e.decoder.decode(msg, xld.WALStart)
	if !ok {
		return nil
	}
	rec, err := ev.Record()
	if err != nil {
		e.log.WithError(err).Warn("Dropping unencodable change")
		return nil
	}
	e.handler(rec)
	return nil
}

// ack confirms lsn to the server and commits it locally
func (e *Engine) ack(ctx context.Context, conn *pgconn.PgConn, lsn pglogrepl.LSN) error {
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lsn})
	if err != nil {
		return fmt.Errorf("send standby status: %w", err)
	}
	if lsn > 0 {
		if err := e.offsets.SavePosition(lsn.String()); err != nil {
			e.log.WithError(err).Warn("Failed to save LSN")
		}
	}
	return nil
}

func (e *Engine) resumeLSN() (pglogrepl.LSN, error) {
	raw, ok, err := e.offsets.Position()
	if err != nil || !ok {
		return 0, err
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		e.log.WithError(err).Warn("Ignoring unreadable stored LSN")
		return 0, nil
	}
	return lsn, nil
}

// Close stops streaming. Safe to call more than once.
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
