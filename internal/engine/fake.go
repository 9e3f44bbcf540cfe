package engine

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted adapter for tests. Each trigger hands out the next
// scripted execution; Status walks that execution's phase sequence.
type Fake struct {
	mu        sync.Mutex
	triggers  []TriggerRequest
	scripts   [][]Phase
	positions map[string]int
	refs      map[string][]Phase
	seq       int

	// TriggerErr, when set, fails every Trigger call.
	TriggerErr error
	// FailDetail is the detail string reported alongside PhaseFailed.
	FailDetail string
}

// NewFake creates a fake whose executions follow the given scripts in
// trigger order. A fake with no scripts runs every execution straight
// to PhaseSucceeded.
func NewFake(scripts ...[]Phase) *Fake {
	return &Fake{
		scripts:   scripts,
		positions: make(map[string]int),
		refs:      make(map[string][]Phase),
	}
}

// Trigger records the request and allocates a scripted execution.
func (f *Fake) Trigger(_ context.Context, req TriggerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.TriggerErr != nil {
		return "", f.TriggerErr
	}

	ref := fmt.Sprintf("exec-%d", f.seq)
	script := []Phase{PhaseSucceeded}
	if f.seq < len(f.scripts) {
		script = f.scripts[f.seq]
	}
	f.seq++
	f.triggers = append(f.triggers, req)
	f.refs[ref] = script
	f.positions[ref] = 0
	return ref, nil
}

// Status steps through the execution's scripted phases, holding on the
// last one.
func (f *Fake) Status(_ context.Context, ref string) (Phase, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.refs[ref]
	if !ok {
		return "", "", fmt.Errorf("unknown execution %q", ref)
	}
	pos := f.positions[ref]
	phase := script[pos]
	if pos < len(script)-1 {
		f.positions[ref] = pos + 1
	}
	detail := ""
	if phase == PhaseFailed {
		detail = f.FailDetail
	}
	return phase, detail, nil
}

// Triggers returns a copy of all recorded trigger requests.
func (f *Fake) Triggers() []TriggerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TriggerRequest, len(f.triggers))
	copy(out, f.triggers)
	return out
}
