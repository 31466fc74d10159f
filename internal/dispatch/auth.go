package dispatch

import (
	"context"
	"encoding/base64"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// handleSaslStart begins a SCRAM conversation on the connection. Only
// one conversation may be in flight per connection at a time, matching
// how a driver actually drives the handshake (start, then continue
// until done, never interleaved with another mechanism).
func handleSaslStart(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	if c.d.Auth == nil {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "authentication is not configured")
	}
	mechanism, _ := cmd.Body.Lookup("mechanism").(string)
	payload, err := saslPayload(cmd.Body, "payload")
	if err != nil {
		return nil, err
	}

	conv, err := c.d.Auth.Start(mechanism)
	if err != nil {
		return nil, err
	}
	resp, err := conv.Step(string(payload))
	if err != nil {
		return nil, err
	}
	c.saslConversation = conv
	c.saslMechanism = mechanism

	return bsondoc.NewDocument(
		bsondoc.Element{Key: "conversationId", Value: int32(1)},
		bsondoc.Element{Key: "done", Value: conv.Done()},
		bsondoc.Element{Key: "payload", Value: bsondoc.Binary{Subtype: 0, Data: []byte(resp)}},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

func handleSaslContinue(ctx context.Context, c *conn, cmd *wire.Command, sess *session.Session) (*bsondoc.Document, error) {
	if c.saslConversation == nil {
		return nil, oxerr.New(oxerr.KindCommandNotFound, "no SASL conversation in progress")
	}
	payload, err := saslPayload(cmd.Body, "payload")
	if err != nil {
		return nil, err
	}

	resp, err := c.saslConversation.Step(string(payload))
	if err != nil {
		c.saslConversation = nil
		return nil, err
	}
	done := c.saslConversation.Done()
	if done && !c.saslConversation.Valid() {
		c.saslConversation = nil
		return nil, oxerr.New(oxerr.KindCommandNotFound, "authentication failed")
	}
	if done {
		c.saslConversation = nil
	}

	return bsondoc.NewDocument(
		bsondoc.Element{Key: "conversationId", Value: int32(1)},
		bsondoc.Element{Key: "done", Value: done},
		bsondoc.Element{Key: "payload", Value: bsondoc.Binary{Subtype: 0, Data: []byte(resp)}},
		bsondoc.Element{Key: "ok", Value: float64(1)},
	), nil
}

// saslPayload reads a SASL payload field, which drivers send as either
// BSON binary or a base64 string depending on the wire path they took.
func saslPayload(doc *bsondoc.Document, key string) ([]byte, error) {
	switch v := doc.Lookup(key).(type) {
	case bsondoc.Binary:
		return v.Data, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, oxerr.New(oxerr.KindMalformedDoc, "invalid SASL payload encoding")
		}
		return b, nil
	default:
		return nil, oxerr.New(oxerr.KindMalformedDoc, "missing SASL payload")
	}
}
