// Package config loads and validates a keel profile written in CUE.
// The user's profile is unified with an embedded schema, so every
// setting is range-checked and defaulted in one step; an empty
// profile yields the documented defaults.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed schema.cue
var schemaSource string

// Profile is the decoded, validated configuration.
type Profile struct {
	Retry   RetrySettings
	Chain   ChainSettings
	Clarify ClarifySettings
	Focus   FocusSettings
	Journal JournalSettings
}

type RetrySettings struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

type ChainSettings struct {
	MaxDepth int
}

type ClarifySettings struct {
	Timeout       time.Duration // 0 means no default timeout
	ScanInterval  time.Duration
	SweepInterval time.Duration
}

type FocusSettings struct {
	// Priorities maps surface names to their arbitration priority.
	Priorities map[string]int
}

type JournalSettings struct {
	Enabled bool
	Path    string
}

// LoadError carries a stable code alongside the message, in the same
// shape the CLI reports all failures.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCodeNotFound   = "C001" // profile file missing
	ErrCodeParse      = "C002" // CUE compile failed
	ErrCodeSchema     = "C003" // schema violation
	ErrCodeIncomplete = "C004" // non-concrete value after defaults
)

// Default returns the profile an empty CUE file produces.
func Default() Profile {
	return Profile{
		Retry: RetrySettings{
			MaxRetries:        3,
			InitialDelay:      time.Second,
			BackoffMultiplier: 2,
			MaxDelay:          10 * time.Second,
		},
		Chain:   ChainSettings{MaxDepth: 1000},
		Clarify: ClarifySettings{ScanInterval: 500 * time.Millisecond, SweepInterval: time.Second},
		Focus: FocusSettings{Priorities: map[string]int{
			"default": 0, "panel": 1, "modal": 2, "clarification": 3, "system": 4,
		}},
		Journal: JournalSettings{Enabled: false, Path: "keel.db"},
	}
}

// Load reads and validates the profile at path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Profile{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("profile not found: %s", path)}
	}
	if err != nil {
		return Profile{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("reading profile: %v", err)}
	}
	return Parse(data)
}

// Parse validates profile source against the embedded schema and
// decodes it. Unknown top-level fields under profile are rejected by
// the closed schema struct.
func Parse(source []byte) (Profile, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Profile{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("embedded schema: %v", err)}
	}

	user := ctx.CompileString(string(source), cue.Filename("profile.cue"))
	if err := user.Err(); err != nil {
		return Profile{}, &LoadError{Code: ErrCodeParse, Message: fmt.Sprintf("compiling profile: %v", err)}
	}

	merged := schema.Unify(user)
	if err := merged.Validate(cue.Concrete(true), cue.Final()); err != nil {
		return Profile{}, &LoadError{Code: ErrCodeSchema, Message: fmt.Sprintf("profile violates schema: %v", err)}
	}

	return decode(merged.LookupPath(cue.ParsePath("profile")))
}

func decode(v cue.Value) (Profile, error) {
	p := Profile{}

	maxRetries, err := intAt(v, "retry.maxRetries")
	if err != nil {
		return p, err
	}
	initialMs, err := intAt(v, "retry.initialDelayMs")
	if err != nil {
		return p, err
	}
	multiplier, err := floatAt(v, "retry.backoffMultiplier")
	if err != nil {
		return p, err
	}
	maxMs, err := intAt(v, "retry.maxDelayMs")
	if err != nil {
		return p, err
	}
	p.Retry = RetrySettings{
		MaxRetries:        int(maxRetries),
		InitialDelay:      time.Duration(initialMs) * time.Millisecond,
		BackoffMultiplier: multiplier,
		MaxDelay:          time.Duration(maxMs) * time.Millisecond,
	}

	maxDepth, err := intAt(v, "chain.maxDepth")
	if err != nil {
		return p, err
	}
	p.Chain = ChainSettings{MaxDepth: int(maxDepth)}

	timeoutSec, err := intAt(v, "clarification.timeoutSeconds")
	if err != nil {
		return p, err
	}
	scanMs, err := intAt(v, "clarification.scanIntervalMs")
	if err != nil {
		return p, err
	}
	sweepMs, err := intAt(v, "clarification.sweepIntervalMs")
	if err != nil {
		return p, err
	}
	p.Clarify = ClarifySettings{
		Timeout:       time.Duration(timeoutSec) * time.Second,
		ScanInterval:  time.Duration(scanMs) * time.Millisecond,
		SweepInterval: time.Duration(sweepMs) * time.Millisecond,
	}

	surfaces := []string{"default", "panel", "modal", "clarification", "system"}
	p.Focus = FocusSettings{Priorities: make(map[string]int, len(surfaces))}
	for _, s := range surfaces {
		prio, err := intAt(v, "focus.priorities."+s)
		if err != nil {
			return p, err
		}
		p.Focus.Priorities[s] = int(prio)
	}

	enabled, err := v.LookupPath(cue.ParsePath("journal.enabled")).Bool()
	if err != nil {
		return p, &LoadError{Code: ErrCodeIncomplete, Message: fmt.Sprintf("journal.enabled: %v", err)}
	}
	path, err := v.LookupPath(cue.ParsePath("journal.path")).String()
	if err != nil {
		return p, &LoadError{Code: ErrCodeIncomplete, Message: fmt.Sprintf("journal.path: %v", err)}
	}
	p.Journal = JournalSettings{Enabled: enabled, Path: path}

	return p, nil
}

func intAt(v cue.Value, path string) (int64, error) {
	n, err := v.LookupPath(cue.ParsePath(path)).Int64()
	if err != nil {
		return 0, &LoadError{Code: ErrCodeIncomplete, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return n, nil
}

func floatAt(v cue.Value, path string) (float64, error) {
	f, err := v.LookupPath(cue.ParsePath(path)).Float64()
	if err != nil {
		return 0, &LoadError{Code: ErrCodeIncomplete, Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return f, nil
}
