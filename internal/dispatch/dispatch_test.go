package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oxidedb/oxidedb/internal/oxerr"
)

func newTestConn() *conn {
	return &conn{id: 1, peer: "test", logger: zap.NewNop()}
}

func TestErrorDocShapesOkZeroReply(t *testing.T) {
	oe := oxerr.New(oxerr.KindDuplicateKey, "dup key")
	d := errorDoc(oe)
	assert.Equal(t, float64(0), d.Lookup("ok"))
	assert.Equal(t, oe.Code(), d.Lookup("code"))
	assert.Equal(t, "DuplicateKey", d.Lookup("codeName"))
	assert.Contains(t, d.Lookup("errmsg"), "dup key")
}

func TestErrorDocCarriesLabels(t *testing.T) {
	oe := oxerr.New(oxerr.KindTransientConflict, "conflict").WithLabels("TransientTransactionError")
	d := errorDoc(oe)
	labels, ok := d.Lookup("errorLabels").(interface{ Len() int })
	require.True(t, ok)
	assert.Equal(t, 1, labels.Len())
}

func TestConnErrorReplyClosesOnFramingError(t *testing.T) {
	c := newTestConn()
	_, closeAfter := c.errorReply(c.logger, oxerr.New(oxerr.KindTruncatedMessage, "bad"))
	assert.True(t, closeAfter)
}

func TestConnErrorReplyKeepsConnectionOnCommandError(t *testing.T) {
	c := newTestConn()
	_, closeAfter := c.errorReply(c.logger, oxerr.New(oxerr.KindCommandNotFound, "nope"))
	assert.False(t, closeAfter)
}

func TestConnErrorReplyWrapsOpaqueErrorAsBackend(t *testing.T) {
	c := newTestConn()
	reply, closeAfter := c.errorReply(c.logger, assertErr("boom"))
	assert.False(t, closeAfter)
	assert.Equal(t, "Backend", reply.Lookup("codeName"))
}
