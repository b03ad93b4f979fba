package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/keel/internal/boot"
	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/chain"
	"github.com/roach88/keel/internal/clarify"
	"github.com/roach88/keel/internal/focus"
	"github.com/roach88/keel/internal/prs"
	"github.com/roach88/keel/internal/token"
	"github.com/roach88/keel/internal/txn"
)

// TraceEvent is one bus event captured during a scenario run.
type TraceEvent struct {
	Seq     int64
	Type    string
	Domain  string
	Source  string
	Payload map[string]any
}

// World is a fully assembled core with scripted collaborators.
type World struct {
	Bus     *bus.Bus
	Chain   *chain.Reconciler
	Txn     *txn.Manager
	Focus   *focus.Arbiter
	PRS     *prs.Orchestrator
	Clarify *clarify.Coordinator
	Stores  *MemStores

	svc     *scriptedPhaseService
	lastTxn string
}

// Result is the outcome of running a scenario.
type Result struct {
	Scenario *Scenario
	Trace    []TraceEvent
	World    *World
}

// fixedNow keeps scenario runs deterministic.
var fixedNow = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// NewWorld assembles a core instance with deterministic tokens, a
// fixed clock, and scripted backends. Assembly goes through the
// bootstrap manager so scenario runs exercise the same staged startup
// the client uses.
func NewWorld() *World {
	b := bus.New()
	now := func() time.Time { return fixedNow }
	w := &World{Bus: b}

	mgr := boot.New(b)
	mgr.Register(boot.StageStores, "stores", func(context.Context) error {
		w.Stores = NewMemStores()
		return nil
	})
	mgr.Register(boot.StageSystems, "reconciler", func(context.Context) error {
		w.Chain = chain.New(b)
		return nil
	})
	mgr.Register(boot.StageSystems, "transactions", func(context.Context) error {
		w.Txn = txn.New(b, w.Stores,
			txn.WithTokens(token.NewSequenceGenerator("txn")),
			txn.WithReconciler(w.Chain),
			txn.WithNow(now))
		return nil
	})
	mgr.Register(boot.StageSystems, "focus", func(context.Context) error {
		w.Focus = focus.New(b)
		return nil
	})
	mgr.Register(boot.StageSystems, "phases", func(context.Context) error {
		w.svc = &scriptedPhaseService{jobs: token.NewSequenceGenerator("job")}
		w.PRS = prs.New(b, w.svc,
			prs.WithTokens(token.NewSequenceGenerator("milestone")),
			prs.WithNow(now))
		return nil
	})
	mgr.Register(boot.StageConnect, "clarifications", func(context.Context) error {
		w.Clarify = clarify.New(b, &okTransport{}, clarify.WithNow(now))
		return nil
	})

	// Steps are infallible, so Run cannot fail here.
	if err := mgr.Run(context.Background()); err != nil {
		panic(err)
	}
	return w
}

// Run executes a scenario against a fresh world and captures the full
// event trace. Step failures abort the run unless the step declared
// the failure with expect_error.
func Run(s *Scenario) (*Result, error) {
	w := NewWorld()
	ctx := context.Background()

	var mu sync.Mutex
	var trace []TraceEvent
	var seq int64
	w.Bus.On(bus.Wildcard, func(ev bus.Event) {
		mu.Lock()
		seq++
		trace = append(trace, TraceEvent{
			Seq:     seq,
			Type:    ev.Type,
			Domain:  ev.Domain,
			Source:  ev.Source,
			Payload: ev.Payload,
		})
		mu.Unlock()
	})

	if s.DesignID != "" {
		if err := w.PRS.Load(ctx, s.DesignID); err != nil {
			return nil, fmt.Errorf("load design: %w", err)
		}
	}

	for i, step := range s.Steps {
		err := w.execStep(ctx, step)
		if step.ExpectError != "" {
			if err == nil {
				return nil, fmt.Errorf("steps[%d] %s: expected error containing %q, got none", i, step.Op, step.ExpectError)
			}
			if !strings.Contains(err.Error(), step.ExpectError) {
				return nil, fmt.Errorf("steps[%d] %s: error %q does not contain %q", i, step.Op, err, step.ExpectError)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("steps[%d] %s: %w", i, step.Op, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return &Result{Scenario: s, Trace: trace, World: w}, nil
}

func (w *World) execStep(ctx context.Context, step Step) error {
	switch step.Op {
	case OpAddClarification:
		w.Clarify.Add(ctx, clarify.Request{
			RequestID:    step.RequestID,
			AgentID:      "agent-1",
			RequestToken: "tok-" + step.RequestID,
			Priority:     step.Priority,
			Message:      step.Description,
		})
		return nil
	case OpRespond:
		return w.Clarify.Respond(ctx, step.Value, nil)
	case OpSkip:
		return w.Clarify.Skip(ctx, step.Reason)
	case OpCancel:
		return w.Clarify.Cancel(ctx, step.RequestID, step.Reason)

	case OpChainEvent:
		w.Chain.ProcessChainEvent(chain.ChainEvent{
			Domain:       chain.Domain(step.Domain),
			UpdateID:     step.UpdateID,
			PrevUpdateID: step.PrevUpdateID,
		})
		return nil
	case OpAckUpdate:
		w.Chain.AcknowledgeUpdate(chain.Domain(step.Domain), step.UpdateID)
		return nil

	case OpStartPhase:
		return w.PRS.StartPhase(ctx, prs.Phase(step.Phase), nil)
	case OpCompletePhase:
		w.svc.scriptValidation(step.Passed, step.Errors)
		return w.PRS.CompletePhase(ctx, prs.Phase(step.Phase))
	case OpApprovePhase:
		return w.PRS.ApprovePhase(ctx, prs.Phase(step.Phase), step.Comment)

	case OpBeginTxn:
		id, err := w.Txn.Begin(step.Description, step.ActionType, nil, step.Stores)
		if err != nil {
			return err
		}
		w.lastTxn = id
		w.Txn.MarkOptimistic(id)
		w.Txn.MarkSubmitted(id)
		return nil
	case OpConfirmTxn:
		w.Txn.Confirm(w.lastTxn)
		return nil
	case OpFailTxn:
		reason := step.FailWith
		if reason == "" {
			reason = "backend rejected"
		}
		w.Txn.Fail(w.lastTxn, errors.New(reason))
		return nil
	case OpSetStore:
		w.Stores.Set(step.Store, step.Key, step.Value)
		return nil

	case OpRequestFocus:
		w.Focus.Request(focus.Surface(step.Surface), step.Holder)
		return nil
	case OpReleaseFocus:
		w.Focus.Release(step.Holder)
		return nil
	case OpLockFocus:
		w.Focus.Lock(step.Holder)
		return nil
	case OpUnlockFocus:
		w.Focus.Unlock(step.Holder)
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// MemStores is the scripted store collaborator for transactions:
// named flat key/value maps with copy-on-capture snapshots.
type MemStores struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemStores() *MemStores {
	return &MemStores{data: make(map[string]map[string]string)}
}

func (m *MemStores) Set(store, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[store] == nil {
		m.data[store] = make(map[string]string)
	}
	m.data[store][key] = value
}

func (m *MemStores) Get(store, key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[store][key]
}

// Dump returns a copy of every store's contents.
func (m *MemStores) Dump() map[string]map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]string, len(m.data))
	for store, kv := range m.data {
		copied := make(map[string]string, len(kv))
		for k, v := range kv {
			copied[k] = v
		}
		out[store] = copied
	}
	return out
}

func (m *MemStores) Capture(name string) (txn.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[string]string, len(m.data[name]))
	for k, v := range m.data[name] {
		copied[k] = v
	}
	return copied, nil
}

func (m *MemStores) Restore(name string, snap txn.Snapshot) error {
	state, ok := snap.(map[string]string)
	if !ok {
		return fmt.Errorf("restore %s: unexpected snapshot type %T", name, snap)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := make(map[string]string, len(state))
	for k, v := range state {
		restored[k] = v
	}
	m.data[name] = restored
	return nil
}

// scriptedPhaseService answers phase-engine calls deterministically.
// The validation outcome for the next CompletePhase is scripted by
// the runner from the step fields.
type scriptedPhaseService struct {
	mu       sync.Mutex
	jobs     *token.SequenceGenerator
	passed   bool
	errCount int
}

func (s *scriptedPhaseService) scriptValidation(passed bool, errCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passed = passed
	s.errCount = errCount
}

func (s *scriptedPhaseService) RunPhase(_ context.Context, _ string, _ prs.Phase, _ map[string]any) (prs.RunResult, error) {
	return prs.RunResult{Success: true, JobID: s.jobs.Generate()}, nil
}

func (s *scriptedPhaseService) ValidatePhase(_ context.Context, _ string, _ prs.Phase) (prs.ValidationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := prs.ValidationReport{Passed: s.passed}
	for i := 0; i < s.errCount; i++ {
		report.Errors = append(report.Errors, fmt.Sprintf("blocking error %d", i+1))
	}
	return report, nil
}

func (s *scriptedPhaseService) ApprovePhase(context.Context, string, prs.Phase, string) error {
	return nil
}

func (s *scriptedPhaseService) ListPhases(context.Context, string) ([]prs.PhaseInfo, error) {
	infos := make([]prs.PhaseInfo, 0, len(prs.AllPhases()))
	for _, p := range prs.AllPhases() {
		infos = append(infos, prs.PhaseInfo{Name: p, Status: prs.StatusPending})
	}
	return infos, nil
}

// okTransport acknowledges everything on the first try.
type okTransport struct{}

func (okTransport) Acknowledge(context.Context, string, string, clarify.Ack) (clarify.AckResponse, error) {
	return clarify.AckResponse{Status: "ok"}, nil
}

func (okTransport) Respond(context.Context, string, string, string, map[string]any) (clarify.AckResponse, error) {
	return clarify.AckResponse{Status: "ok"}, nil
}

func (okTransport) ListPending(context.Context) ([]clarify.Request, error) {
	return nil, nil
}

func (okTransport) Cancel(context.Context, string, string, string) (clarify.AckResponse, error) {
	return clarify.AckResponse{Status: "ok"}, nil
}
