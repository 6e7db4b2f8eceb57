package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/orchestra/clock"
)

// alertBook tracks the active Alert set, keyed by "rule|subject" so
// the same rule can be independently active per subject (e.g. one
// alert per overloaded agent), spec.md §3 "Alert" / §4.5.
type alertBook struct {
	mu     sync.Mutex
	active map[string]*Alert
	clk    clock.Clock
	ids    clock.IDGenerator
}

func newAlertBook(clk clock.Clock, ids clock.IDGenerator) *alertBook {
	return &alertBook{active: make(map[string]*Alert), clk: clk, ids: ids}
}

func alertKey(rule, subject string) string { return rule + "|" + subject }

// evaluate runs rule against signals for subject. If the predicate is
// true and no unexpired alert exists, a new Alert is created and
// returned (fired=true). If one exists and is outside cooldown, its
// LastSeen/Count bump and it is returned again (fired=true, so the
// caller re-publishes). Within cooldown, only bookkeeping happens and
// fired=false.
func (b *alertBook) evaluate(rule AlertRule, subject string, signals Signals) (Alert, bool) {
	if !rule.Predicate(signals) {
		b.mu.Lock()
		delete(b.active, alertKey(rule.Name, subject))
		b.mu.Unlock()
		return Alert{}, false
	}
	return b.raise(rule.Name, rule.Severity, subject, rule.CooldownMs)
}

// raise unconditionally records subject as alerting under rule/severity,
// for alerts triggered directly by an event (e.g. a step's retry budget
// being exhausted) rather than evaluated from sampled Signals. It shares
// evaluate's cooldown/bookkeeping semantics: a bump within cooldown
// returns fired=false, a bump past cooldown re-fires.
func (b *alertBook) raise(rule string, severity Severity, subject string, cooldownMs int) (Alert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	key := alertKey(rule, subject)
	existing, ok := b.active[key]
	if !ok {
		a := &Alert{
			ID:            b.ids.NewID(),
			Severity:      severity,
			Rule:          rule,
			Subject:       subject,
			FirstSeen:     now,
			LastSeen:      now,
			Count:         1,
			CooldownUntil: now.Add(time.Duration(cooldownMs) * time.Millisecond),
		}
		b.active[key] = a
		return *a, true
	}

	existing.LastSeen = now
	existing.Count++
	if now.Before(existing.CooldownUntil) {
		return *existing, false
	}
	existing.CooldownUntil = now.Add(time.Duration(cooldownMs) * time.Millisecond)
	return *existing, true
}

// retryExhaustedRule and retryExhaustedCooldownMs tag the dead-letter
// alert raised when a step with onFailure=abort exhausts its retry
// budget (spec.md §4.5), distinct from the sampled-signal rules in
// defaultRules.
const (
	retryExhaustedRule      = "step-retry-exhausted"
	retryExhaustedCooldownMs = 60_000
)

func (b *alertBook) snapshot() []Alert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Alert, 0, len(b.active))
	for _, a := range b.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

// defaultRules mirrors spec.md §4.5's example predicate, plus a
// resource-pressure and a failure-rate rule, as a sane starting set
// callers can replace via Config.Rules.
func defaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:       "high-error-rate",
			Severity:   SeverityWarn,
			CooldownMs: 60_000,
			Predicate: func(s Signals) bool {
				for _, rate := range s.Workflow.ErrorRateByKind {
					if rate > 0.1 {
						return true
					}
				}
				return false
			},
		},
		{
			Name:       "resource-pressure",
			Severity:   SeverityError,
			CooldownMs: 30_000,
			Predicate: func(s Signals) bool {
				return s.System.CPUPercent > 90 || s.System.MemPercent > 90
			},
		},
	}
}

func ruleSubject(name string) string { return fmt.Sprintf("system/%s", name) }
