// Package stub implements the Stub, ResponseDefinition tagged union,
// and the response cycler state machine described in spec.md §3.
package stub

import (
	"sync/atomic"

	"github.com/riftproxy/rift/internal/predicate"
)

// ResponseKind discriminates the ResponseDefinition tagged union.
type ResponseKind int

const (
	KindIs ResponseKind = iota
	KindProxy
	KindInject
	KindFault
)

// IsResponse is the literal response variant.
type IsResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	IsJSON     bool // set when Body should be emitted as application/json
	Mode       string // "text" or "binary"
	Behaviors  *BehaviorSpec
}

// ProxyMode selects the recording-store policy, per spec.md §3.
type ProxyMode string

const (
	ProxyTransparent ProxyMode = "transparent"
	ProxyOnce        ProxyMode = "once"
	ProxyAlways      ProxyMode = "always"
)

// PredicateGenerator describes which request fields should become
// predicates on a synthesized stub after a proxied request.
type PredicateGenerator struct {
	Matches       MatchFlags
	Except        string
	CaseSensitive bool
}

// MatchFlags selects which request fields a PredicateGenerator
// projects into the synthesized stub's predicates.
type MatchFlags struct {
	Method  bool
	Path    bool
	Query   bool
	Headers bool
	Body    bool
}

// ProxyResponse is the forward-to-upstream response variant.
type ProxyResponse struct {
	To                  string
	Mode                ProxyMode
	PathRewrite         string // regex -> replacement, "pattern=>replacement"
	PredicateGenerators []PredicateGenerator
	AddWaitBehavior     bool
	AddDecorateBehavior string // literal decorate script, empty if unset
	InjectHeaders       map[string]string
}

// FaultTag is a bare fault marker, per spec.md §3(d).
type FaultTag string

const (
	FaultConnectionReset  FaultTag = "CONNECTION_RESET_BY_PEER"
	FaultRandomDataClose  FaultTag = "RANDOM_DATA_THEN_CLOSE"
)

// FaultSpec is the rift.fault block with probabilistic sub-specs.
type FaultSpec struct {
	Tag     FaultTag // set for bare tags; empty when the structured fields below apply
	Latency *LatencyFault
	Error   *ErrorFault
	TCP     *FaultTag
}

// LatencyFault draws Bernoulli(Probability) and, if true, sleeps for
// Ms or a uniform draw in [MinMs, MaxMs].
type LatencyFault struct {
	Ms          int
	MinMs       int
	MaxMs       int
	Probability float64
}

// ErrorFault draws Bernoulli(Probability) and, if true, emits the
// configured response.
type ErrorFault struct {
	StatusCode  int
	Body        string
	Headers     map[string]string
	Probability float64
	Behaviors   *BehaviorSpec
}

// ResponseDefinition is the tagged-union response variant plus the
// repeat count that drives the cycler.
type ResponseDefinition struct {
	Kind ResponseKind

	Is     *IsResponse
	Proxy  *ProxyResponse
	Inject string // script source
	Fault  *FaultSpec

	// Repeat is the number of consecutive cycler hits this response
	// is selected for. Zero is treated as 1 (spec.md §3: "treat
	// missing as 1").
	Repeat int
}

func (r ResponseDefinition) repeat() int {
	if r.Repeat <= 0 {
		return 1
	}
	return r.Repeat
}

// Stub is an ordered predicate list (interpreted as AND) and a
// non-empty ordered list of response definitions.
type Stub struct {
	ID         string
	Predicates []predicate.Predicate
	Responses  []ResponseDefinition

	cycler Cycler
}

// Cycler implements the deterministic response-selection state
// machine of spec.md §3: given repeats [r0..rn-1] with period
// P = sum(ri), the hit-count h selects the smallest j such that
// sum(r0..rj) > (h mod P). The hit counter itself is an atomic
// monotonic counter, generalizing the atomic trip-counter idiom from
// circuit.Breaker to response-index selection (spec.md §5: "atomic
// fetch_add guarantees strictly monotonic hit numbering").
type Cycler struct {
	hits uint64
}

// Next advances the cycler by one hit and returns the response index
// to serve, given the repeat counts of every response in the stub. It
// returns -1 if responses is empty (spec.md §8: "Stub with
// responses: [] is never selected").
func (c *Cycler) Next(responses []ResponseDefinition) int {
	if len(responses) == 0 {
		return -1
	}

	period := uint64(0)
	repeats := make([]uint64, len(responses))
	for i, r := range responses {
		repeats[i] = uint64(r.repeat())
		period += repeats[i]
	}
	if period == 0 {
		return -1
	}

	h := atomic.AddUint64(&c.hits, 1) - 1
	pos := h % period

	var cum uint64
	for i, rep := range repeats {
		cum += rep
		if cum > pos {
			return i
		}
	}
	// unreachable given pos < period, but fall back to the last
	// response to satisfy the "sticky last response" boundary note.
	return len(responses) - 1
}

// ResponseAt selects and returns the response for this stub's next
// hit, along with its index.
func (s *Stub) ResponseAt() (int, ResponseDefinition, bool) {
	idx := s.cycler.Next(s.Responses)
	if idx < 0 {
		return -1, ResponseDefinition{}, false
	}
	return idx, s.Responses[idx], true
}

// BehaviorSpec is declared here (rather than in internal/behavior) to
// avoid an import cycle: stub.ResponseDefinition needs to reference
// it, while internal/behavior needs stub's response/request view
// types to execute against.
type BehaviorSpec struct {
	Wait           *WaitBehavior
	Copy           []CopyBehavior
	Lookup         []LookupBehavior
	ShellTransform string
	Decorate       string
}

type WaitBehavior struct {
	DurationMs      int
	DurationExpr    string // alternative to DurationMs, evaluated like decorate
}

type CaptureSource struct {
	Source   string // "request" field name: path, query, headers, body
	Using    string // "regexp", "xpath", "jsonpath"
	Selector string
}

type CopyBehavior struct {
	From CaptureSource
	Into string
}

type LookupBehavior struct {
	Key            CaptureSource
	CSVPath        string
	CSVKeyColumn   string
	CSVDelimiter   string
	Into           string
}
