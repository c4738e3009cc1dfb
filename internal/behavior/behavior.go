// Package behavior implements the ordered response-transformation
// pipeline of spec.md §4.1: wait, copy, lookup, shellTransform,
// decorate. The stage dispatch is a name -> executor registry in the
// style of filters.Registry (filters/filters.go), generalized from
// "named HTTP filter applied to a skipper route" to "named behavior
// stage applied to an outgoing imposter response."
package behavior

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/riftproxy/rift/internal/stub"
)

// Ctx is the mutable view a behavior stage operates on: the originating
// request (for capture sources) and the in-progress response.
type Ctx struct {
	Method  string
	Path    string
	Query   map[string][]string
	Headers map[string][]string // request headers, for capture sources
	ReqBody string

	Status      int
	RespHeaders map[string]string
	Body        string
}

// DecorateFunc runs a decorate script against the current context and
// returns the new body and status. The script substrate supplies the
// concrete implementation; this package stays engine-agnostic to avoid
// an import cycle with internal/script.
type DecorateFunc func(script string, ctx *Ctx) (body string, status int, err error)

// ExprFunc evaluates a wait-duration expression the same way a
// decorate script would, per spec.md §4.1 ("expression engine is the
// same as decorate").
type ExprFunc func(expr string, ctx *Ctx) (string, error)

// Pipeline executes a stub.BehaviorSpec's stages in the fixed order
// spec.md §4.1 defines.
type Pipeline struct {
	Decorate DecorateFunc
	Expr     ExprFunc

	csvCacheMu sync.Mutex
	csvCache   map[string]csvCacheEntry
}

type csvCacheEntry struct {
	mtime time.Time
	rows  map[string]map[string]string // keyColumn value -> row (header name -> value)
}

// NewPipeline returns a ready Pipeline. decorate/expr may be nil if no
// stub in the imposter uses a decorate behavior or an expression-valued
// wait duration.
func NewPipeline(decorate DecorateFunc, expr ExprFunc) *Pipeline {
	return &Pipeline{Decorate: decorate, Expr: expr, csvCache: make(map[string]csvCacheEntry)}
}

// Run applies spec's stages, in order, to ctx.
func (p *Pipeline) Run(ctx context.Context, spec *stub.BehaviorSpec, rc *Ctx) error {
	if spec == nil {
		return nil
	}
	if spec.Wait != nil {
		if err := p.runWait(spec.Wait, rc); err != nil {
			return err
		}
	}
	for _, c := range spec.Copy {
		if err := p.runCopy(c, rc); err != nil {
			return err
		}
	}
	for _, l := range spec.Lookup {
		if err := p.runLookup(l, rc); err != nil {
			return err
		}
	}
	if spec.ShellTransform != "" {
		if err := p.runShellTransform(ctx, spec.ShellTransform, rc); err != nil {
			return err
		}
	}
	if spec.Decorate != "" {
		if err := p.runDecorate(spec.Decorate, rc); err != nil {
			return err
		}
	}
	return nil
}

// runWait sleeps for DurationMs (or the result of evaluating
// DurationExpr). A zero duration is a no-op, per spec.md §8.
func (p *Pipeline) runWait(w *stub.WaitBehavior, rc *Ctx) error {
	ms := w.DurationMs
	if w.DurationExpr != "" {
		if p.Expr == nil {
			return fmt.Errorf("behavior: wait expression present but no expression engine bound")
		}
		s, err := p.Expr(w.DurationExpr, rc)
		if err != nil {
			return fmt.Errorf("behavior: wait expression: %w", err)
		}
		var parsed int
		if _, err := fmt.Sscanf(s, "%d", &parsed); err == nil {
			ms = parsed
		}
	}
	if ms <= 0 {
		return nil
	}
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// capture evaluates a CaptureSource against the request/response
// context and returns the captured string.
func (p *Pipeline) capture(src stub.CaptureSource, rc *Ctx) (string, error) {
	var raw string
	switch src.Source {
	case "path":
		raw = rc.Path
	case "body":
		raw = rc.ReqBody
	case "query":
		if vals, ok := rc.Query[src.Selector]; ok && len(vals) > 0 {
			return vals[0], nil
		}
		return "", nil
	case "headers":
		for k, vals := range rc.Headers {
			if strings.EqualFold(k, src.Selector) && len(vals) > 0 {
				return vals[0], nil
			}
		}
		return "", nil
	default:
		return "", fmt.Errorf("behavior: unknown capture source %q", src.Source)
	}

	switch src.Using {
	case "", "regexp":
		re, err := regexp.Compile(src.Selector)
		if err != nil {
			return "", fmt.Errorf("behavior: invalid capture regexp %q: %w", src.Selector, err)
		}
		m := re.FindStringSubmatch(raw)
		if len(m) == 0 {
			return "", nil
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	case "jsonpath":
		return gjson.Get(raw, src.Selector).String(), nil
	case "xpath":
		return "", fmt.Errorf("behavior: xpath capture is not supported (no XPath library in the dependency set)")
	default:
		return "", fmt.Errorf("behavior: unknown capture method %q", src.Using)
	}
}

// substitute replaces every occurrence of token in the response body
// and headers with value.
func substitute(rc *Ctx, token, value string) {
	rc.Body = strings.ReplaceAll(rc.Body, token, value)
	for k, v := range rc.RespHeaders {
		rc.RespHeaders[k] = strings.ReplaceAll(v, token, value)
	}
}

func (p *Pipeline) runCopy(c stub.CopyBehavior, rc *Ctx) error {
	value, err := p.capture(c.From, rc)
	if err != nil {
		return fmt.Errorf("behavior: copy: %w", err)
	}
	substitute(rc, c.Into, value)
	return nil
}

func (p *Pipeline) runLookup(l stub.LookupBehavior, rc *Ctx) error {
	key, err := p.capture(l.Key, rc)
	if err != nil {
		return fmt.Errorf("behavior: lookup: %w", err)
	}

	rows, err := p.loadCSV(l.CSVPath, l.CSVKeyColumn, l.CSVDelimiter)
	if err != nil {
		return fmt.Errorf("behavior: lookup: %w", err)
	}

	row, ok := rows[key]
	if !ok {
		return nil
	}
	if v, ok := row[l.CSVKeyColumn]; ok {
		substitute(rc, l.Into, v)
		return nil
	}
	// The row has no cell for the key column: emit the whole row as
	// JSON, letting the stub author pick fields off it via a later stage.
	b, _ := json.Marshal(row)
	substitute(rc, l.Into, string(b))
	return nil
}

// loadCSV lazily loads and caches path by (path, mtime), per spec.md
// §4.1 "The CSV is loaded lazily and cached by path+mtime."
func (p *Pipeline) loadCSV(path, keyColumn, delimiter string) (map[string]map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat csv %s: %w", path, err)
	}

	p.csvCacheMu.Lock()
	defer p.csvCacheMu.Unlock()

	if e, ok := p.csvCache[path]; ok && e.mtime.Equal(info.ModTime()) {
		return e.rows, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if delimiter != "" {
		r.Comma = rune(delimiter[0])
	}

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv %s has no header row", path)
	}

	header := records[0]
	keyIdx := -1
	for i, h := range header {
		if h == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("csv %s has no column %q", path, keyColumn)
	}

	rows := make(map[string]map[string]string, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = rec[i]
			}
		}
		rows[rec[keyIdx]] = row
	}

	p.csvCache[path] = csvCacheEntry{mtime: info.ModTime(), rows: rows}
	return rows, nil
}

// dangerousShellPatterns are linted against shellTransform commands,
// per spec.md §4.1 "The linter warns on dangerous patterns."
var dangerousShellPatterns = []string{"rm ", "sudo ", "dd ", "> /dev/"}

// LintShellCommand returns advisory warnings for a shellTransform
// command string; it never blocks execution.
func LintShellCommand(cmd string) []string {
	var warnings []string
	for _, pat := range dangerousShellPatterns {
		if strings.Contains(cmd, pat) {
			warnings = append(warnings, fmt.Sprintf("shellTransform command contains dangerous pattern %q", pat))
		}
	}
	return warnings
}

func (p *Pipeline) runShellTransform(ctx context.Context, command string, rc *Ctx) error {
	payload := map[string]interface{}{
		"request": map[string]interface{}{
			"method":  rc.Method,
			"path":    rc.Path,
			"headers": rc.Headers,
			"body":    rc.ReqBody,
		},
		"response": map[string]interface{}{
			"status":  rc.Status,
			"headers": rc.RespHeaders,
			"body":    rc.Body,
		},
	}
	in, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("behavior: shellTransform: marshal payload: %w", err)
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return fmt.Errorf("behavior: shellTransform: empty command")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("behavior: shellTransform: %w", err)
	}

	rc.Body = stdout.String()
	return nil
}

func (p *Pipeline) runDecorate(script string, rc *Ctx) error {
	if p.Decorate == nil {
		return fmt.Errorf("behavior: decorate behavior present but no script engine bound")
	}
	body, status, err := p.Decorate(script, rc)
	if err != nil {
		return fmt.Errorf("behavior: decorate: %w", err)
	}
	rc.Body = body
	if status != 0 {
		rc.Status = status
	}
	return nil
}
