// Package cursor implements the per-process cursor manager (§4.E): a
// mapping from opaque 64-bit ids to in-flight result producers, with a
// background reaper that kills cursors idle past their deadline.
package cursor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oxidedb/oxidedb/internal/bsondoc"
	"github.com/oxidedb/oxidedb/internal/oxerr"
)

// Producer yields the next batch of documents for a cursor. more == false
// signals exhaustion; the batch returned with it may still hold documents.
type Producer interface {
	Next(ctx context.Context, n int) (docs []*bsondoc.Document, more bool, err error)
	Close()
}

type entry struct {
	id          int64
	producer    Producer
	ns          string
	ownerConn   uint32
	sessionID   string
	idleTimeout time.Duration
	lastFetchAt time.Time
}

// Manager owns every open cursor for one process.
type Manager struct {
	mu            sync.Mutex
	cursors       map[int64]*entry
	nextID        int64
	sweepInterval time.Duration
	idleTimeout   time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Manager. sweepInterval controls how often the reaper
// wakes; idleTimeout is the default per-cursor deadline measured from
// the last fetch.
func New(sweepInterval, idleTimeout time.Duration) *Manager {
	return &Manager{
		cursors:       make(map[int64]*entry),
		sweepInterval: sweepInterval,
		idleTimeout:   idleTimeout,
		nextID:        1,
	}
}

// Open registers a producer under a freshly allocated id and returns it.
// ownerConn and sessionID gate who may later Fetch/Kill it.
func (m *Manager) Open(producer Producer, ownerConn uint32, sessionID, ns string, deadline time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deadline <= 0 {
		deadline = m.idleTimeout
	}
	id := m.nextID
	m.nextID++

	m.cursors[id] = &entry{
		id:          id,
		producer:    producer,
		ns:          ns,
		ownerConn:   ownerConn,
		sessionID:   sessionID,
		idleTimeout: deadline,
		lastFetchAt: time.Now(),
	}
	return id
}

// Fetch pulls up to requestedBatchSize documents from the cursor. When
// the producer is exhausted the cursor is removed and the returned id is
// 0, matching the reference "no more batches" signal. ownerConn and
// sessionID must match the cursor's owner unless the caller supplies the
// same sessionID the cursor was opened under.
func (m *Manager) Fetch(ctx context.Context, id int64, requestedBatchSize int, ownerConn uint32, sessionID string) (docs []*bsondoc.Document, nextID int64, err error) {
	m.mu.Lock()
	e, ok := m.cursors[id]
	if ok && e.ownerConn != ownerConn && !(sessionID != "" && sessionID == e.sessionID) {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, 0, oxerr.New(oxerr.KindCursorNotFound, "cursor %d not found", id)
	}

	docs, more, err := e.producer.Next(ctx, requestedBatchSize)
	if err != nil {
		return nil, 0, err
	}

	if !more {
		m.remove(id)
		return docs, 0, nil
	}

	m.mu.Lock()
	e.lastFetchAt = time.Now()
	m.mu.Unlock()
	return docs, id, nil
}

// Kill closes and removes a cursor. ownerConn must match unless
// sessionID matches the cursor's owning session.
func (m *Manager) Kill(id int64, ownerConn uint32, sessionID string) error {
	m.mu.Lock()
	e, ok := m.cursors[id]
	if ok && e.ownerConn != ownerConn && !(sessionID != "" && sessionID == e.sessionID) {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return oxerr.New(oxerr.KindCursorNotFound, "cursor %d not found", id)
	}
	m.remove(id)
	return nil
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	e, ok := m.cursors[id]
	if ok {
		delete(m.cursors, id)
	}
	m.mu.Unlock()
	if ok {
		e.producer.Close()
	}
}

// Run starts the background reaper and blocks until ctx is cancelled,
// closing any cursors still open. Intended to run as one task in the
// process's top-level errgroup.
func (m *Manager) Run(ctx context.Context) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	grp.Go(func() error {
		for {
			select {
			case <-grpCtx.Done():
				m.closeAll()
				return nil
			case <-ticker.C:
				m.sweep()
			}
		}
	})

	return grp.Wait()
}

func (m *Manager) sweep() {
	now := time.Now()
	var expired []int64
	m.mu.Lock()
	for id, e := range m.cursors {
		if now.After(e.lastFetchAt.Add(e.idleTimeout)) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.remove(id)
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.cursors))
	for id := range m.cursors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.remove(id)
	}
}
