package faultproxy

import (
	"math/rand"

	"github.com/riftproxy/rift/internal/script"
	"github.com/riftproxy/rift/internal/stub"
)

// DecisionKind discriminates the fault-proxy's decision outcome. Only
// the YAML rule pass can produce DecisionTCP; script rules are bound
// to the narrower {None, Latency, Error} contract of spec.md §4.3.
type DecisionKind int

const (
	DecisionNone DecisionKind = iota
	DecisionLatency
	DecisionError
	DecisionTCP
)

// Decision is the outcome of either rule pass, ready for emission.
type Decision struct {
	Kind DecisionKind

	LatencyMs int

	Status    int
	Body      string
	Headers   map[string]string
	Behaviors *stub.BehaviorSpec

	TCPTag stub.FaultTag

	RuleID string
}

func bernoulli(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rand.Float64() < p
}

// decideFault implements spec.md §4.4 step 4's decide_fault: "roll TCP
// -> error -> latency in that precedence and return the strongest
// decision." TCP has no probability knob (its presence alone commits
// to it); error and latency each roll independently.
func decideFault(spec stub.FaultSpec, ruleID string) Decision {
	if spec.Tag != "" {
		return Decision{Kind: DecisionTCP, TCPTag: spec.Tag, RuleID: ruleID}
	}
	if spec.TCP != nil {
		return Decision{Kind: DecisionTCP, TCPTag: *spec.TCP, RuleID: ruleID}
	}
	if spec.Error != nil && bernoulli(spec.Error.Probability) {
		return Decision{Kind: DecisionError, Status: spec.Error.StatusCode, Body: spec.Error.Body, Headers: spec.Error.Headers, Behaviors: spec.Error.Behaviors, RuleID: ruleID}
	}
	if spec.Latency != nil && bernoulli(spec.Latency.Probability) {
		ms := spec.Latency.Ms
		if ms == 0 && spec.Latency.MaxMs > spec.Latency.MinMs {
			ms = spec.Latency.MinMs + rand.Intn(spec.Latency.MaxMs-spec.Latency.MinMs+1)
		}
		return Decision{Kind: DecisionLatency, LatencyMs: ms, RuleID: ruleID}
	}
	return Decision{Kind: DecisionNone, RuleID: ruleID}
}

// decisionFromScript converts a script-produced FaultDecision into the
// fault proxy's Decision, per spec.md §4.4 step 3.
func decisionFromScript(d script.FaultDecision) Decision {
	switch d.Kind {
	case script.DecisionLatency:
		return Decision{Kind: DecisionLatency, LatencyMs: d.LatencyMs, RuleID: d.RuleID}
	case script.DecisionError:
		return Decision{Kind: DecisionError, Status: d.Status, Body: d.Body, Headers: d.Headers, RuleID: d.RuleID}
	default:
		return Decision{Kind: DecisionNone, RuleID: d.RuleID}
	}
}
