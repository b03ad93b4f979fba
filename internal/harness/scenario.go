package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario: a sequence of operations
// driven against a fully assembled core, with assertions over the
// resulting event trace and final state.
type Scenario struct {
	// Name uniquely identifies this scenario; also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// DesignID, when set, loads a design into the workflow
	// orchestrator before the steps run.
	DesignID string `yaml:"design_id,omitempty"`

	// Steps is the operation sequence.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario operation. Op selects the operation; the other
// fields are op-specific.
type Step struct {
	Op string `yaml:"op"`

	// Clarification ops.
	RequestID string `yaml:"request_id,omitempty"`
	Priority  int    `yaml:"priority,omitempty"`
	Value     string `yaml:"value,omitempty"`
	Reason    string `yaml:"reason,omitempty"`

	// Chain ops.
	Domain       string `yaml:"domain,omitempty"`
	UpdateID     string `yaml:"update_id,omitempty"`
	PrevUpdateID string `yaml:"prev_update_id,omitempty"`

	// Phase ops.
	Phase   string `yaml:"phase,omitempty"`
	Passed  bool   `yaml:"passed,omitempty"`
	Errors  int    `yaml:"errors,omitempty"`
	Comment string `yaml:"comment,omitempty"`

	// Transaction ops.
	Description string   `yaml:"description,omitempty"`
	ActionType  string   `yaml:"action_type,omitempty"`
	Stores      []string `yaml:"stores,omitempty"`
	FailWith    string   `yaml:"fail_with,omitempty"`

	// Store mutation (exercises snapshot/rollback).
	Store string `yaml:"store,omitempty"`
	Key   string `yaml:"key,omitempty"`

	// Focus ops.
	Surface string `yaml:"surface,omitempty"`
	Holder  string `yaml:"holder,omitempty"`

	// ExpectError asserts that the op fails with a message containing
	// this substring. An op with ExpectError that succeeds fails the
	// scenario, as does a different error message.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type: trace_contains | trace_order | trace_count | final_state
	Type string `yaml:"type"`

	// Event is the event type (trace_contains, trace_count).
	Event string `yaml:"event,omitempty"`

	// Payload is a subset match on the event payload (trace_contains).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Events is the expected relative order (trace_order).
	Events []string `yaml:"events,omitempty"`

	// Count is the expected occurrence count (trace_count).
	Count int `yaml:"count,omitempty"`

	// Expect is a subset match on the final-state snapshot
	// (final_state). Keys are flattened paths like "chain.geometry.depth".
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Step op constants.
const (
	OpAddClarification = "add_clarification"
	OpRespond          = "respond"
	OpSkip             = "skip"
	OpCancel           = "cancel"
	OpChainEvent       = "chain_event"
	OpAckUpdate        = "ack_update"
	OpStartPhase       = "start_phase"
	OpCompletePhase    = "complete_phase"
	OpApprovePhase     = "approve_phase"
	OpBeginTxn         = "begin_transaction"
	OpConfirmTxn       = "confirm_transaction"
	OpFailTxn          = "fail_transaction"
	OpSetStore         = "set_store"
	OpRequestFocus     = "request_focus"
	OpReleaseFocus     = "release_focus"
	OpLockFocus        = "lock_focus"
	OpUnlockFocus      = "unlock_focus"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// are rejected to catch typos like "assertion:" vs "assertions:".
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse scenario YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step) error {
	switch step.Op {
	case OpAddClarification:
		if step.RequestID == "" {
			return fmt.Errorf("steps[%d]: request_id is required for %s", index, step.Op)
		}
		if step.Priority < 0 || step.Priority > 4 {
			return fmt.Errorf("steps[%d]: priority must be 0-4", index)
		}
	case OpCancel:
		if step.RequestID == "" {
			return fmt.Errorf("steps[%d]: request_id is required for %s", index, step.Op)
		}
	case OpChainEvent, OpAckUpdate:
		if step.Domain == "" || step.UpdateID == "" {
			return fmt.Errorf("steps[%d]: domain and update_id are required for %s", index, step.Op)
		}
	case OpStartPhase, OpCompletePhase, OpApprovePhase:
		if step.Phase == "" {
			return fmt.Errorf("steps[%d]: phase is required for %s", index, step.Op)
		}
	case OpBeginTxn:
		if step.ActionType == "" {
			return fmt.Errorf("steps[%d]: action_type is required for %s", index, step.Op)
		}
	case OpSetStore:
		if step.Store == "" || step.Key == "" {
			return fmt.Errorf("steps[%d]: store and key are required for %s", index, step.Op)
		}
	case OpRequestFocus:
		if step.Surface == "" || step.Holder == "" {
			return fmt.Errorf("steps[%d]: surface and holder are required for %s", index, step.Op)
		}
	case OpReleaseFocus, OpLockFocus, OpUnlockFocus:
		if step.Holder == "" {
			return fmt.Errorf("steps[%d]: holder is required for %s", index, step.Op)
		}
	case OpRespond, OpSkip, OpConfirmTxn, OpFailTxn:
		// No required fields beyond op.
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, step.Op)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
