// Package dispatch wires the wire-protocol framer, the SQL translator,
// the backend pool, and the session/cursor/shadow state into the
// command loop a connected driver actually talks to (§4.G). It owns no
// protocol or SQL logic of its own beyond that wiring: decoding and
// encoding stay in internal/wire, filter/sort/update/projection/pipeline
// compilation stays in internal/translator, and backend execution stays
// in internal/storage.
package dispatch

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/metrics"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/shadow"
	"github.com/oxidedb/oxidedb/internal/storage"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// handlerFunc is the signature every command handler implements.
type handlerFunc func(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error)

// Dispatcher holds every piece of process-wide state a connection needs
// to answer a command: the backend pool, the session/cursor registries,
// the optional shadow comparator, and the command table.
type Dispatcher struct {
	Pool     *storage.Pool
	Sessions *session.Registry
	Cursors  *cursor.Manager
	Shadow   *shadow.Comparator
	Metrics  *metrics.Shadow
	Auth     *session.Authenticator
	Logger   *zap.Logger

	handlers map[string]handlerFunc
	nextConn uint32
}

// New builds a Dispatcher with every command handler registered.
func New(pool *storage.Pool, sessions *session.Registry, cursors *cursor.Manager, sh *shadow.Comparator, m *metrics.Shadow, auth *session.Authenticator, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		Pool:     pool,
		Sessions: sessions,
		Cursors:  cursors,
		Shadow:   sh,
		Metrics:  m,
		Auth:     auth,
		Logger:   logger,
	}
	d.handlers = map[string]handlerFunc{
		"insert":          handleInsert,
		"update":          handleUpdate,
		"delete":          handleDelete,
		"find":            handleFind,
		"getMore":         handleGetMore,
		"killCursors":     handleKillCursors,
		"findAndModify":   handleFindAndModify,
		"aggregate":       handleAggregate,
		"count":           handleCount,
		"distinct":        handleDistinct,
		"hello":           handleHello,
		"ismaster":        handleHello,
		"isMaster":        handleHello,
		"ping":            handlePing,
		"buildInfo":       handleBuildInfo,
		"buildinfo":       handleBuildInfo,
		"serverStatus":    handleServerStatus,
		"listDatabases":   handleListDatabases,
		"listCollections": handleListCollections,
		"create":          handleCreate,
		"drop":            handleDrop,
		"dropDatabase":    handleDropDatabase,
		"createIndexes":   handleCreateIndexes,
		"dropIndexes":     handleDropIndexes,
		"startSession":    handleStartSession,
		"endSessions":     handleEndSessions,
		"saslStart":       handleSaslStart,
		"saslContinue":    handleSaslContinue,
		"startTransaction": handleStartTransaction,
		"commitTransaction": handleCommitTransaction,
		"abortTransaction":  handleAbortTransaction,
		"oxidedbShadowMetrics": handleShadowMetrics,
	}
	return d
}

// conn is the per-connection state the handler functions close over:
// the dispatcher they belong to, a stable numeric id used to gate
// cursor/transaction ownership, and any SASL conversation in flight.
type conn struct {
	d      *Dispatcher
	id     uint32
	peer   string
	logger *zap.Logger

	saslConversation *session.Conversation
	saslMechanism    string
}

// Serve reads and answers commands off rw until the connection closes
// or ctx is cancelled. One Serve call is expected to run per accepted
// net.Conn, in its own goroutine.
func (d *Dispatcher) Serve(ctx context.Context, rw io.ReadWriter, peer string) error {
	c := &conn{
		d:      d,
		id:     atomic.AddUint32(&d.nextConn, 1),
		peer:   peer,
		logger: d.Logger.With(zap.String("peer", peer)),
	}
	defer c.closeSASL()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cmd, err := wire.ReadCommand(rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if oe, ok := oxerr.As(err, oxerr.KindTruncatedMessage); ok {
				c.logger.Debug("connection closed on truncated message", zap.Error(oe))
				return nil
			}
			c.logger.Warn("failed to read command", zap.Error(err))
			return err
		}

		reply, closeAfter := c.handle(ctx, cmd)

		out, err := wire.WriteReply(cmd, &wire.Reply{Body: reply}, cmd.Header.RequestID)
		if err != nil {
			c.logger.Warn("failed to encode reply", zap.Error(err))
			return err
		}
		if _, err := rw.Write(out); err != nil {
			return err
		}
		if closeAfter {
			return nil
		}
	}
}

// handle dispatches one command to its handler and turns any error into
// a §7-shaped reply, reporting whether the connection should close
// after this reply is sent.
func (c *conn) handle(ctx context.Context, cmd *wire.Command) (*bsondoc.Document, bool) {
	name := cmd.CommandName()
	sess := c.d.Sessions.Lookup(sessionIDOf(cmd))
	reqLogger := c.logger.With(zap.Int32("requestId", cmd.Header.RequestID))

	h, ok := c.d.handlers[name]
	if !ok {
		err := oxerr.New(oxerr.KindCommandNotFound, "no such command: %q", name)
		return c.errorReply(reqLogger, err)
	}

	reply, err := h(ctx, c, cmd, sess)
	if _, isTransient := oxerr.As(err, oxerr.KindTransientConflict); isTransient && !sess.InTransaction() {
		// §7: a transient backend conflict (serialization failure,
		// deadlock) outside a client transaction gets one unconditional
		// retry before it's surfaced to the client. storage already
		// attaches the TransientTransactionError label at the point the
		// SQLSTATE is mapped, so a conflict raised while a transaction
		// is pinned is already labeled for the client to retry itself.
		reply, err = h(ctx, c, cmd, sess)
	}
	if err != nil {
		reply, closeAfter := c.errorReply(reqLogger, err)
		shadowClose := c.maybeShadow(ctx, cmd, reply, sess.ID)
		return reply, closeAfter || shadowClose
	}

	return reply, c.maybeShadow(ctx, cmd, reply, sess.ID)
}

// maybeShadow forwards an answered command through the shadow
// comparator if one is configured. Shadow failures never affect the
// client-visible reply (§4.H) except in compare_and_fail mode, which
// this surfaces by returning true: the connection closes once this
// command's reply has been written, rather than undoing that reply.
func (c *conn) maybeShadow(ctx context.Context, cmd *wire.Command, reply *bsondoc.Document, sessionID string) bool {
	if c.d.Shadow == nil || !c.d.Shadow.Enabled() {
		return false
	}
	if c.d.Shadow.Compare(ctx, cmd, reply, sessionID) {
		c.logger.Warn("closing connection after shadow compare_and_fail mismatch")
		return true
	}
	return false
}

// errorReply renders an oxerr.Error found anywhere in err's wrap chain
// (or an opaque error, wrapped as Backend) into the §7 wire reply,
// reporting whether the connection must close rather than continue.
func (c *conn) errorReply(logger *zap.Logger, err error) (*bsondoc.Document, bool) {
	var oe *oxerr.Error
	if !errors.As(err, &oe) {
		oe = oxerr.Wrap(oxerr.KindBackend, err, "unhandled error")
	}

	switch oe.Kind {
	case oxerr.KindMalformedDoc, oxerr.KindTruncatedMessage, oxerr.KindUnknownOpcode,
		oxerr.KindCompressionUnsupported, oxerr.KindDocTooLarge:
		logger.Warn("closing connection on framing error", zap.Error(oe))
		return errorDoc(oe), true
	case oxerr.KindBackend:
		logger.Error("backend error", zap.Error(oe))
		return errorDoc(oe), false
	default:
		return errorDoc(oe), false
	}
}

// errorDoc renders an *oxerr.Error as the {ok:0, code, errmsg, ...}
// document every command-failure reply carries.
func errorDoc(oe *oxerr.Error) *bsondoc.Document {
	doc := bsondoc.NewDocument(
		bsondoc.Element{Key: "ok", Value: float64(0)},
		bsondoc.Element{Key: "code", Value: oe.Code()},
		bsondoc.Element{Key: "codeName", Value: string(oe.Kind)},
		bsondoc.Element{Key: "errmsg", Value: oe.Error()},
	)
	if len(oe.Labels) > 0 {
		items := make([]bsondoc.Value, len(oe.Labels))
		for i, l := range oe.Labels {
			items[i] = l
		}
		doc.Append("errorLabels", bsondoc.NewArray(items...))
	}
	return doc
}

func (c *conn) closeSASL() {
	c.saslConversation = nil
}

// executorFor resolves the executor a handler should run its SQL
// against: the plain pool, unless the session has an active pinned
// transaction and the command carries the matching txnNumber, in which
// case the pinned connection is used so the operation sees (and
// contributes to) the transaction's own uncommitted writes.
func (c *conn) executorFor(ctx context.Context, cmd *wire.Command, sess *session.Session) (executor, bool, error) {
	if !sess.InTransaction() {
		return c.d.Pool, false, nil
	}
	txnNumber, ok := txnNumberOf(cmd)
	if !ok {
		return c.d.Pool, false, nil
	}
	txn, err := c.d.Sessions.Pinned(ctx, sess, txnNumber)
	if err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

// ListenAndServe accepts connections on addr until ctx is cancelled,
// running one Serve loop per connection in its own goroutine.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	d.Logger.Info("listening", zap.String("addr", addr))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			d.Logger.Warn("accept failed", zap.Error(err))
			return err
		}
		go func() {
			defer nc.Close()
			_ = nc.SetDeadline(time.Time{})
			if err := d.Serve(ctx, nc, nc.RemoteAddr().String()); err != nil {
				d.Logger.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}
