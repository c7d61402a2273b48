package tokens

import (
	"fmt"
	"sort"
	"sync"

	"github.com/neves/zen-gateway/internal/ai"
)

// Ledger keeps running token totals for the lifetime of the process
type Ledger struct {
	mu sync.Mutex

	inputTokens  int
	outputTokens int
	byProvider   map[string]*ProviderUsage
}

// ProviderUsage is the per kind/model breakdown
type ProviderUsage struct {
	Kind         ai.ProviderKind `json:"kind"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Calls        int             `json:"calls"`
	Estimated    int             `json:"estimated_calls"`
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{byProvider: make(map[string]*ProviderUsage)}
}

// Record adds one dispatch to the totals. A nil usage counts the call only.
func (l *Ledger) Record(kind ai.ProviderKind, model string, usage *ai.Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := string(kind) + ":" + model
	pu := l.byProvider[key]
	if pu == nil {
		pu = &ProviderUsage{Kind: kind, Model: model}
		l.byProvider[key] = pu
	}
	pu.Calls++

	if usage == nil {
		return
	}
	l.inputTokens += usage.InputTokens
	l.outputTokens += usage.OutputTokens
	pu.InputTokens += usage.InputTokens
	pu.OutputTokens += usage.OutputTokens
	if usage.Estimated {
		pu.Estimated++
	}
}

// Snapshot returns a copy of the breakdown sorted by kind then model
func (l *Ledger) Snapshot() []ProviderUsage {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ProviderUsage, 0, len(l.byProvider))
	for _, pu := range l.byProvider {
		out = append(out, *pu)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Summary returns a one-line summary of usage
func (l *Ledger) Summary() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	calls := 0
	for _, pu := range l.byProvider {
		calls += pu.Calls
	}
	return fmt.Sprintf("Tokens: %d in / %d out | Calls: %d", l.inputTokens, l.outputTokens, calls)
}
