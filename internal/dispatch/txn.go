package dispatch

import (
	"context"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// handleStartTransaction pins a fresh backend connection to the
// session for the lifetime of the transaction (§4.F). The isolation
// level follows the command's readConcern.level, defaulting to read
// committed; "snapshot" maps onto repeatable read.
func handleStartTransaction(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	txnNumber, ok := txnNumberOf(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "startTransaction requires a txnNumber")
	}
	iso := session.IsolationReadCommitted
	if rc, ok := cmd.Body.Lookup("readConcern").(*bsondoc.Document); ok {
		if level, _ := rc.Lookup("level").(string); level == "snapshot" {
			iso = session.IsolationSnapshot
		}
	}
	if err := c.d.Sessions.StartTransaction(ctx, sess, txnNumber, iso); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleCommitTransaction(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	txnNumber, ok := txnNumberOf(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "commitTransaction requires a txnNumber")
	}
	if err := c.d.Sessions.CommitTransaction(ctx, sess, txnNumber); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}

func handleAbortTransaction(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	txnNumber, ok := txnNumberOf(cmd)
	if !ok {
		return nil, oxerr.New(oxerr.KindNoSuchTransaction, "abortTransaction requires a txnNumber")
	}
	if err := c.d.Sessions.AbortTransaction(ctx, sess, txnNumber); err != nil {
		return nil, err
	}
	return bsondoc.NewDocument(bsondoc.Element{Key: "ok", Value: float64(1)}), nil
}
