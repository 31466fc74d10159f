// Package shadow implements the out-of-band shadow comparator (§4.H):
// it samples a fraction of requests, forwards them to an upstream
// reference server, and diffs the two replies without ever affecting
// what the client actually receives.
package shadow

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/metrics"
	"github.com/oxidedb/oxidedb/internal/wire"
)

// Config controls sampling, namespace rewriting, and failure mode.
type Config struct {
	Enabled     bool
	Addr        string
	DBPrefix    string
	Timeout     time.Duration
	SampleRate  float64
	Deterministic bool
	// NumericEquivalence relaxes scalar comparison so int/double pairs
	// with the same mathematical value count as equal. Off by default
	// (§8: "does match {p:2.0} when numeric-equivalence is on (shadow
	// comparator only)").
	NumericEquivalence bool
	// CompareAndFail closes the client connection after reporting a
	// mismatch. Reserved for tests (§4.H.6).
	CompareAndFail bool
}

var defaultIgnoreTop = []string{"$clusterTime", "operationTime", "topologyVersion", "localTime", "connectionId"}

var sensitiveFieldName = regexp.MustCompile(`(?i)password|credential|secret|token|sasl`)

const maxDiffValueLen = 200

// Comparator owns the lazily-established upstream connection and the
// process-wide counters it feeds.
type Comparator struct {
	cfg     Config
	metrics *metrics.Shadow
	logger  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New builds a Comparator. A nil/disabled cfg makes every Compare call a
// no-op.
func New(cfg Config, m *metrics.Shadow, logger *zap.Logger) *Comparator {
	return &Comparator{cfg: cfg, metrics: m, logger: logger}
}

// Enabled reports whether the comparator is configured to run at all.
func (c *Comparator) Enabled() bool { return c.cfg.Enabled }

// Compare decides whether to sample this request and, if so, forwards
// it upstream and diffs the reply. It never returns an error to the
// caller's request path; the only observable effect besides the
// metrics/log side-channel is the returned closeClient flag, which is
// only ever true in compare_and_fail mode.
func (c *Comparator) Compare(ctx context.Context, cmd *wire.Command, localReply *bsondoc.Document, sessionID string) (closeClient bool) {
	if !c.cfg.Enabled {
		return false
	}
	db := dbOf(cmd)
	if !c.shouldSample(sessionID, cmd.Header.RequestID, db) {
		return false
	}
	c.metrics.IncAttempts()

	forward := cmd
	if c.cfg.DBPrefix != "" {
		rewritten, err := rewriteCommand(cmd, c.cfg.DBPrefix)
		if err != nil {
			c.logger.Debug("shadow: failed to rewrite namespace", zap.Error(err))
			c.metrics.IncTimeouts()
			return false
		}
		forward = rewritten
	}

	// An unrewritten request goes upstream as the client's own bytes;
	// only a rewritten one (or one with no recorded bytes) is re-encoded.
	encoded := cmd.OriginalBytes
	if forward != cmd || len(encoded) == 0 {
		var err error
		encoded, err = wire.EncodeRequest(forward)
		if err != nil {
			c.logger.Debug("shadow: failed to encode forwarded request", zap.Error(err))
			c.metrics.IncTimeouts()
			return false
		}
	}

	upstreamReply, err := c.roundTrip(ctx, encoded)
	if err != nil {
		c.logger.Debug("shadow: upstream round trip failed", zap.Error(err))
		c.metrics.IncTimeouts()
		return false
	}

	diffs := diffDocuments(localReply, upstreamReply, "", defaultIgnoreTop)
	if c.cfg.NumericEquivalence {
		kept := diffs[:0]
		for _, d := range diffs {
			if !valuesEqual(d.Local, d.Upstream, true) {
				kept = append(kept, d)
			}
		}
		diffs = kept
	}
	if len(diffs) == 0 {
		c.metrics.IncMatches()
		return false
	}

	c.metrics.IncMismatches()
	c.logger.Warn("shadow mismatch",
		zap.String("command", cmd.CommandName()),
		zap.Any("diff", redactDiffs(diffs)))

	return c.cfg.CompareAndFail
}

func (c *Comparator) roundTrip(ctx context.Context, encoded []byte) (*bsondoc.Document, error) {
	conn, err := c.upstream(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		c.resetConn()
		return nil, err
	}
	if _, err := conn.Write(encoded); err != nil {
		c.resetConn()
		return nil, err
	}
	reply, err := wire.ReadReplyDocument(conn)
	if err != nil {
		c.resetConn()
		return nil, err
	}
	return reply, nil
}

func (c *Comparator) upstream(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial shadow upstream %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Comparator) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// shouldSample decides, per request, whether the comparator runs:
// Bernoulli against SampleRate, or — in deterministic mode — a stable
// hash of (session id, request id, database) against the same
// threshold, so the same request always samples the same way across
// retries/replays.
func (c *Comparator) shouldSample(sessionID string, requestID int32, db string) bool {
	if c.cfg.SampleRate <= 0 {
		return false
	}
	if c.cfg.SampleRate >= 1 {
		return true
	}
	if !c.cfg.Deterministic {
		return rand.Float64() < c.cfg.SampleRate
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", sessionID, requestID, db)
	threshold := uint64(c.cfg.SampleRate * float64(math.MaxUint64))
	return h.Sum64() < threshold
}

func dbOf(cmd *wire.Command) string {
	if v, ok := cmd.Body.Lookup("$db").(string); ok {
		return v
	}
	if cmd.Legacy {
		if i := strings.IndexByte(cmd.FullCollectionName, '.'); i >= 0 {
			return cmd.FullCollectionName[:i]
		}
	}
	return ""
}
