// Package predicate implements the tagged-variant request predicate
// language: equals, deepEquals, contains, startsWith, endsWith,
// matches, exists, not, or, and, inject, plus the caseSensitive,
// except, and jsonpath modifiers.
//
// The variant shape mirrors eskip's named-argument predicate parsing
// (eskip/predicates.go) generalized from a route DSL to a JSON
// predicate tree, and deepEquals uses go-cmp instead of a hand-rolled
// reflect.DeepEqual wrapper.
package predicate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

// Fields recognized as projections of the request.
const (
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldQuery       = "query"
	FieldHeaders     = "headers"
	FieldBody        = "body"
	FieldForm        = "form"
	FieldRequestFrom = "requestFrom"
	FieldIP          = "ip"
)

// Request is the projection of an incoming HTTP request that
// predicates are evaluated against.
type Request struct {
	Method      string
	Path        string
	Query       map[string][]string
	Headers     map[string][]string
	Body        string
	Form        map[string][]string
	RequestFrom string
	IP          string
}

// JSONPathSpec scopes an inner predicate to a JSONPath selection of
// the field it modifies.
type JSONPathSpec struct {
	Selector string `json:"selector"`
}

// XPathSpec is the XML analogue of JSONPathSpec.
type XPathSpec struct {
	Selector string `json:"selector"`
}

// Predicate is the tagged-union predicate node. Only one of the
// operator fields is set on any given node.
type Predicate struct {
	Equals     map[string]interface{} `json:"equals,omitempty"`
	DeepEquals map[string]interface{} `json:"deepEquals,omitempty"`
	Contains   map[string]interface{} `json:"contains,omitempty"`
	StartsWith map[string]interface{} `json:"startsWith,omitempty"`
	EndsWith   map[string]interface{} `json:"endsWith,omitempty"`
	Matches    map[string]interface{} `json:"matches,omitempty"`
	Exists     map[string]bool        `json:"exists,omitempty"`
	Not        *Predicate              `json:"not,omitempty"`
	Or         []Predicate             `json:"or,omitempty"`
	And        []Predicate             `json:"and,omitempty"`
	Inject     string                  `json:"inject,omitempty"`

	CaseSensitive bool          `json:"caseSensitive,omitempty"`
	Except        string        `json:"except,omitempty"`
	JSONPath      *JSONPathSpec `json:"jsonpath,omitempty"`
	XPath         *XPathSpec    `json:"xpath,omitempty"`
}

// InjectFunc evaluates an `inject` predicate's script source against a
// request and reports the boolean result. The script substrate
// supplies the concrete implementation; predicate package stays
// engine-agnostic to avoid an import cycle with internal/script.
type InjectFunc func(script string, req Request) (bool, error)

// Matcher evaluates compiled predicates against requests.
type Matcher struct {
	Inject InjectFunc
}

// NewMatcher returns a Matcher. inject may be nil if no stub in the
// imposter uses an `inject` predicate.
func NewMatcher(inject InjectFunc) *Matcher {
	return &Matcher{Inject: inject}
}

// Match reports whether p matches req.
func (m *Matcher) Match(p Predicate, req Request) (bool, error) {
	switch {
	case p.Equals != nil:
		return m.matchFieldMap(p, req, p.Equals, kindEquals)
	case p.DeepEquals != nil:
		return m.matchFieldMap(p, req, p.DeepEquals, kindDeepEquals)
	case p.Contains != nil:
		return m.matchFieldMap(p, req, p.Contains, kindContains)
	case p.StartsWith != nil:
		return m.matchFieldMap(p, req, p.StartsWith, kindStartsWith)
	case p.EndsWith != nil:
		return m.matchFieldMap(p, req, p.EndsWith, kindEndsWith)
	case p.Matches != nil:
		return m.matchFieldMap(p, req, p.Matches, kindMatches)
	case p.Exists != nil:
		return m.matchExists(req, p.Exists)
	case p.Not != nil:
		ok, err := m.Match(*p.Not, req)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case p.Or != nil:
		for _, sub := range p.Or {
			ok, err := m.Match(sub, req)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case p.And != nil:
		for _, sub := range p.And {
			ok, err := m.Match(sub, req)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case p.Inject != "":
		if m.Inject == nil {
			return false, fmt.Errorf("predicate: inject predicate present but no script engine bound")
		}
		return m.Inject(p.Inject, req)
	default:
		// A predicate with no operator set (e.g. an empty stub
		// predicate list entry) matches everything, per spec.md §3
		// "A stub with zero predicates matches every request."
		return true, nil
	}
}

// MatchAll implements the stub-level AND semantics: every predicate in
// the list must match.
func (m *Matcher) MatchAll(preds []Predicate, req Request) (bool, error) {
	for _, p := range preds {
		ok, err := m.Match(p, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type kind int

const (
	kindEquals kind = iota
	kindDeepEquals
	kindContains
	kindStartsWith
	kindEndsWith
	kindMatches
)

func (m *Matcher) matchFieldMap(p Predicate, req Request, fields map[string]interface{}, k kind) (bool, error) {
	for field, expected := range fields {
		actual, isMap, err := project(req, field)
		if err != nil {
			return false, err
		}

		if p.JSONPath != nil && field == FieldBody {
			sel := gjson.Get(req.Body, p.JSONPath.Selector)
			actual = sel.String()
			isMap = false
		}

		ok, err := compareOne(k, field, expected, actual, isMap, p.CaseSensitive, p.Except)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Matcher) matchExists(req Request, exists map[string]bool) (bool, error) {
	for field, want := range exists {
		_, isMap, err := project(req, field)
		if err != nil {
			return false, err
		}
		var present bool
		if isMap {
			mv, _ := projectMap(req, field)
			present = len(mv) > 0
		} else {
			sv, _ := projectString(req, field)
			present = sv != ""
		}
		if present != want {
			return false, nil
		}
	}
	return true, nil
}

// project returns either the scalar or map projection of field,
// reporting which kind it produced.
func project(req Request, field string) (interface{}, bool, error) {
	switch field {
	case FieldQuery:
		v, err := projectMap(req, field)
		return v, true, err
	case FieldHeaders:
		v, err := projectMap(req, field)
		return v, true, err
	case FieldForm:
		v, err := projectMap(req, field)
		return v, true, err
	default:
		v, err := projectString(req, field)
		return v, false, err
	}
}

func projectString(req Request, field string) (string, error) {
	switch field {
	case FieldMethod:
		return req.Method, nil
	case FieldPath:
		return req.Path, nil
	case FieldBody:
		return req.Body, nil
	case FieldRequestFrom:
		return req.RequestFrom, nil
	case FieldIP:
		return req.IP, nil
	default:
		return "", fmt.Errorf("predicate: unknown scalar field %q", field)
	}
}

func projectMap(req Request, field string) (map[string][]string, error) {
	switch field {
	case FieldQuery:
		return req.Query, nil
	case FieldHeaders:
		return req.Headers, nil
	case FieldForm:
		return req.Form, nil
	default:
		return nil, fmt.Errorf("predicate: unknown map field %q", field)
	}
}

func applyExcept(except, s string) string {
	if except == "" {
		return s
	}
	re, err := regexp.Compile(except)
	if err != nil {
		return s
	}
	return re.ReplaceAllString(s, "")
}

func foldCase(caseSensitive bool, s string) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func compareOne(k kind, field string, expected, actual interface{}, isMap bool, caseSensitive bool, except string) (bool, error) {
	if isMap {
		expMap, ok := toStringMap(expected)
		if !ok {
			return false, fmt.Errorf("predicate: field %q expects a map operand", field)
		}
		actMap, _ := actual.(map[string][]string)
		return compareMap(k, expMap, actMap, caseSensitive), nil
	}

	actStr, _ := actual.(string)
	actStr = applyExcept(except, actStr)

	// Method is always case-insensitive regardless of caseSensitive,
	// per spec.md §4.1 "For method, case-insensitive compare."
	cs := caseSensitive
	if field == FieldMethod {
		cs = false
	}

	expStr, isStr := expected.(string)
	if !isStr {
		// Non-string expected value against body: compare as JSON.
		expBytes, _ := json.Marshal(expected)
		expStr = string(expBytes)
	}

	switch k {
	case kindDeepEquals:
		// deepEquals.body compares JSON structurally rather than
		// byte-for-byte, per spec.md §3 "deepEquals = exact" field-wise
		// JSON semantics: key order and whitespace must not matter.
		if field == FieldBody && DeepEqualJSON(expStr, actStr) {
			return true, nil
		}
		return foldCase(cs, expStr) == foldCase(cs, actStr), nil
	case kindEquals:
		return foldCase(cs, expStr) == foldCase(cs, actStr), nil
	case kindContains:
		return strings.Contains(foldCase(cs, actStr), foldCase(cs, expStr)), nil
	case kindStartsWith:
		return strings.HasPrefix(foldCase(cs, actStr), foldCase(cs, expStr)), nil
	case kindEndsWith:
		return strings.HasSuffix(foldCase(cs, actStr), foldCase(cs, expStr)), nil
	case kindMatches:
		flags := ""
		if !cs {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + expStr)
		if err != nil {
			return false, fmt.Errorf("predicate: invalid regex %q: %w", expStr, err)
		}
		return re.MatchString(actStr), nil
	default:
		return false, fmt.Errorf("predicate: unsupported operator kind")
	}
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// compareMap implements equals (subset) and deepEquals (exact) over
// headers/query/form, per spec.md §3: "equals.query is subset-match;
// deepEquals.query is exact-match."
func compareMap(k kind, expected map[string]interface{}, actual map[string][]string, caseSensitive bool) bool {
	normActual := make(map[string][]string, len(actual))
	for key, vals := range actual {
		normActual[strings.ToLower(key)] = vals
	}

	matchKV := func(key string, expVal interface{}) bool {
		av, ok := normActual[strings.ToLower(key)]
		if !ok {
			return false
		}
		expStr := fmt.Sprintf("%v", expVal)
		for _, a := range av {
			if foldCase(caseSensitive, a) == foldCase(caseSensitive, expStr) {
				return true
			}
		}
		return false
	}

	switch k {
	case kindDeepEquals:
		if len(expected) != len(normActual) {
			return false
		}
		for key, expVal := range expected {
			if !matchKV(key, expVal) {
				return false
			}
		}
		return true
	default: // kindEquals and reuse for contains/startsWith/endsWith on maps
		for key, expVal := range expected {
			if !matchKV(key, expVal) {
				return false
			}
		}
		return true
	}
}

// DeepEqualJSON compares two JSON documents structurally using go-cmp,
// used by deepEquals.body when the body is a JSON object rather than a
// bare string.
func DeepEqualJSON(a, b string) bool {
	var av, bv interface{}
	if err := json.Unmarshal([]byte(a), &av); err != nil {
		return a == b
	}
	if err := json.Unmarshal([]byte(b), &bv); err != nil {
		return a == b
	}
	return cmp.Equal(av, bv)
}

// SortedQueryKeys returns the query map's keys sorted. The recording
// fingerprint sorts its query keys itself and does not call it.
func SortedQueryKeys(q map[string][]string) []string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
