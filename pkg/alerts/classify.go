// Package alerts classifies opaque SLO alert payloads by content matching.
// The producer side is not under our control, so classification stays a
// pure predicate over the raw payload: order independent, no I/O.
package alerts

import "strings"

// Kind is the classification outcome for one alert payload.
type Kind int

const (
	// Unrecognized payloads are ignored; they consume no debounce budget.
	Unrecognized Kind = iota
	// ErrorRateBreach is an elevated server-error-rate condition. Mitigated
	// by clamping the canary to zero traffic.
	ErrorRateBreach
	// LatencyBreach is a tail-latency SLO violation. Mitigated by a full
	// rollback to the recorded predecessor.
	LatencyBreach
)

func (k Kind) String() string {
	switch k {
	case ErrorRateBreach:
		return "error_rate_breach"
	case LatencyBreach:
		return "latency_breach"
	default:
		return "unrecognized"
	}
}

// Signatures holds the substrings that identify each recognized alert
// condition. The matching policy is configuration: producers emit different
// envelope shapes, so we match anywhere in the serialized payload.
type Signatures struct {
	ErrorRate []string
	Latency   []string
}

// DefaultSignatures matches the alerting policies this system inherits: the
// request-latency SLO policy and the 5xx-rate SLO policy.
func DefaultSignatures() Signatures {
	return Signatures{
		ErrorRate: []string{"server_error_rate_slo", "response_code_class=\"5xx\""},
		Latency:   []string{"request_latencies", "p95_latency_slo"},
	}
}

// Classifier classifies raw alert payloads against a signature set.
type Classifier struct {
	sigs Signatures
}

// NewClassifier builds a classifier; empty signature lists fall back to the
// defaults so a misconfigured watchdog never silently matches nothing.
func NewClassifier(sigs Signatures) *Classifier {
	def := DefaultSignatures()
	if len(sigs.ErrorRate) == 0 {
		sigs.ErrorRate = def.ErrorRate
	}
	if len(sigs.Latency) == 0 {
		sigs.Latency = def.Latency
	}
	return &Classifier{sigs: sigs}
}

// Classify inspects one serialized alert payload. Error-rate signatures win
// over latency signatures when both match, because clamping is the less
// destructive mitigation.
func (c *Classifier) Classify(payload []byte) Kind {
	text := string(payload)
	if matchAny(text, c.sigs.ErrorRate) {
		return ErrorRateBreach
	}
	if matchAny(text, c.sigs.Latency) {
		return LatencyBreach
	}
	return Unrecognized
}

func matchAny(text string, sigs []string) bool {
	for _, s := range sigs {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}
