// Package txn manages the optimistic-update lifecycle.
//
// A UI action that mutates shared state before backend confirmation
// opens a transaction: the affected stores are snapshotted, the
// mutation is applied optimistically, and if the backend later rejects
// it the snapshots are restored transparently. The manager is
// independent of domain semantics; it depends only on the Snapshot
// capability of each store, never on store internals.
package txn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/chain"
	"github.com/roach88/keel/internal/metrics"
	"github.com/roach88/keel/internal/token"
)

// Status is the linear transaction lifecycle:
// pending → optimistic → submitted → confirmed | rolled_back.
type Status string

const (
	StatusPending    Status = "pending"
	StatusOptimistic Status = "optimistic"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusRolledBack Status = "rolled_back"
)

// Snapshot is an opaque store capture. The manager never inspects it;
// it only hands it back on restore.
type Snapshot any

// SnapshotStore is the capability the manager requires of the store
// layer: capture named state atomically and restore it later.
type SnapshotStore interface {
	Capture(name string) (Snapshot, error)
	Restore(name string, snap Snapshot) error
}

// SnapshotSet is the immutable capture taken at transaction start:
// named store states, domain fingerprints, and chain states.
type SnapshotSet struct {
	Stores map[string]Snapshot
	Hashes chain.Hashes
	Chains map[chain.Domain]chain.ChainState
}

// Transaction records one optimistic mutation from begin to resolution.
type Transaction struct {
	ID            string
	Description   string
	Status        Status
	ActionType    string
	ActionPayload map[string]any
	Snapshot      SnapshotSet
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Err           string
	RetryCount    int
}

// DefaultMaxHistory bounds the completed-transaction ring buffer.
const DefaultMaxHistory = 50

// Manager runs the optimistic-transaction lifecycle.
//
// Exactly one transaction may be active at a time. Beginning a new one
// while another is active does not implicitly resolve the previous one;
// that is a caller error the manager logs but does not prevent.
//
// Operations on an unknown transaction id are no-ops, defensive
// against double-resolution races.
type Manager struct {
	mu         sync.Mutex
	bus        *bus.Bus
	stores     SnapshotStore
	rec        *chain.Reconciler
	metrics    *metrics.Collector
	tokens     token.Generator
	now        func() time.Time
	maxHistory int

	active  string
	open    map[string]*Transaction
	history []*Transaction
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxHistory overrides DefaultMaxHistory.
func WithMaxHistory(n int) Option {
	return func(m *Manager) { m.maxHistory = n }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTokens injects a token generator for deterministic ids.
func WithTokens(g token.Generator) Option {
	return func(m *Manager) { m.tokens = g }
}

// WithReconciler attaches a reconciler whose hashes and chain states
// are captured into every snapshot and restored on rollback.
func WithReconciler(r *chain.Reconciler) Option {
	return func(m *Manager) { m.rec = r }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New creates a Manager over the given store capability.
func New(b *bus.Bus, stores SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		bus:        b,
		stores:     stores,
		tokens:     token.UUIDv7Generator{},
		now:        time.Now,
		maxHistory: DefaultMaxHistory,
		open:       make(map[string]*Transaction),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin snapshots every named store and opens a pending transaction,
// making it the sole active transaction. Returns the transaction id.
//
// A capture failure aborts the begin: a transaction without a complete
// snapshot could not be rolled back safely.
func (m *Manager) Begin(description, actionType string, payload map[string]any, storeNames []string) (string, error) {
	snapshot := SnapshotSet{Stores: make(map[string]Snapshot, len(storeNames))}
	for _, name := range storeNames {
		snap, err := m.stores.Capture(name)
		if err != nil {
			return "", err
		}
		snapshot.Stores[name] = snap
	}
	if m.rec != nil {
		snapshot.Hashes = m.rec.KnownHashes()
		snapshot.Chains = m.rec.States()
	}

	m.mu.Lock()
	now := m.now()
	tx := &Transaction{
		ID:            m.tokens.Generate(),
		Description:   description,
		Status:        StatusPending,
		ActionType:    actionType,
		ActionPayload: payload,
		Snapshot:      snapshot,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if m.active != "" {
		slog.Warn("beginning transaction while another is active",
			"active", m.active,
			"new", tx.ID,
		)
	}
	m.open[tx.ID] = tx
	m.active = tx.ID
	m.mu.Unlock()

	m.emit("transaction:created", tx)
	return tx.ID, nil
}

// MarkOptimistic advances a transaction to optimistic. No side effects
// beyond the status change.
func (m *Manager) MarkOptimistic(id string) {
	m.advance(id, StatusOptimistic, "transaction:optimistic")
}

// MarkSubmitted advances a transaction to submitted.
func (m *Manager) MarkSubmitted(id string) {
	m.advance(id, StatusSubmitted, "transaction:submitted")
}

// Confirm resolves a transaction as confirmed, clears the active
// pointer, and appends it to the bounded history. Unknown ids are
// no-ops.
func (m *Manager) Confirm(id string) {
	m.mu.Lock()
	tx, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	tx.Status = StatusConfirmed
	tx.UpdatedAt = m.now()
	m.resolveLocked(tx)
	m.mu.Unlock()

	m.emit("transaction:confirmed", tx)
}

// Fail rolls a transaction back: every snapshotted store is restored
// exactly once, the reconciler's hashes and chain states are reset to
// the capture, and the transaction moves to rolled_back with the error
// recorded. Unknown ids are no-ops.
func (m *Manager) Fail(id string, failure error) {
	m.mu.Lock()
	tx, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.open, id)
	if m.active == id {
		m.active = ""
	}
	m.mu.Unlock()

	for name, snap := range tx.Snapshot.Stores {
		if err := m.stores.Restore(name, snap); err != nil {
			slog.Error("store restore failed during rollback",
				"transaction", id,
				"store", name,
				"error", err,
			)
		}
	}
	if m.rec != nil {
		m.rec.RestoreHashes(tx.Snapshot.Hashes)
		m.rec.RestoreStates(tx.Snapshot.Chains)
	}

	m.mu.Lock()
	tx.Status = StatusRolledBack
	if failure != nil {
		tx.Err = failure.Error()
	}
	tx.UpdatedAt = m.now()
	m.appendHistoryLocked(tx)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordRollback()
	}
	slog.Info("transaction rolled back",
		"transaction", id,
		"action_type", tx.ActionType,
		"error", tx.Err,
	)
	m.emit("transaction:rolled_back", tx)
}

// ActiveID returns the id of the active transaction, or "".
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Get returns a copy of a transaction, open or historical.
func (m *Manager) Get(id string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.open[id]; ok {
		return *tx, true
	}
	for _, tx := range m.history {
		if tx.ID == id {
			return *tx, true
		}
	}
	return Transaction{}, false
}

// History returns copies of resolved transactions, oldest first.
func (m *Manager) History() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, len(m.history))
	for i, tx := range m.history {
		out[i] = *tx
	}
	return out
}

// HasPending reports whether any transaction is unresolved.
func (m *Manager) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open) > 0
}

// ClearPending bulk-confirms every unresolved transaction without
// rollback. Supports shutdown paths where optimistic state is kept.
func (m *Manager) ClearPending() {
	m.mu.Lock()
	var resolved []*Transaction
	for _, tx := range m.open {
		tx.Status = StatusConfirmed
		tx.UpdatedAt = m.now()
		resolved = append(resolved, tx)
	}
	for _, tx := range resolved {
		m.resolveLocked(tx)
	}
	m.mu.Unlock()

	for _, tx := range resolved {
		m.emit("transaction:confirmed", tx)
	}
}

// advance moves an open transaction to a new status. Unknown ids are
// no-ops.
func (m *Manager) advance(id string, status Status, eventType string) {
	m.mu.Lock()
	tx, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	tx.Status = status
	tx.UpdatedAt = m.now()
	m.mu.Unlock()

	m.emit(eventType, tx)
}

// resolveLocked removes a transaction from the open set, clears the
// active pointer if it points here, and appends to history with
// oldest-first eviction. Caller must hold m.mu.
func (m *Manager) resolveLocked(tx *Transaction) {
	delete(m.open, tx.ID)
	if m.active == tx.ID {
		m.active = ""
	}
	m.appendHistoryLocked(tx)
}

func (m *Manager) appendHistoryLocked(tx *Transaction) {
	m.history = append(m.history, tx)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func (m *Manager) emit(eventType string, tx *Transaction) {
	m.bus.Emit(bus.Event{
		Type:   eventType,
		Source: "txn",
		Payload: map[string]any{
			"transaction_id": tx.ID,
			"action_type":    tx.ActionType,
			"status":         string(tx.Status),
		},
	})
}
