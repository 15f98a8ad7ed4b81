// Package errors holds the error taxonomy of the bundler, the aggregate
// BuildError reported for a failed build and a collector that renders an
// in-browser overlay.
package errors

import (
	"fmt"
	"html"
	"strings"
	"sync"
	"time"
)

// BuildError aggregates every error of one failed build generation. The
// first error is the primary cause.
type BuildError struct {
	Generation uint64
	Errors     []error
}

// NewBuildError returns nil when errs holds no non-nil error. Nested
// BuildErrors and joined errors are flattened.
func NewBuildError(generation uint64, errs ...error) *BuildError {
	var flat []error
	for _, err := range errs {
		flat = appendFlat(flat, err)
	}
	if len(flat) == 0 {
		return nil
	}
	return &BuildError{Generation: generation, Errors: flat}
}

func appendFlat(dst []error, err error) []error {
	if err == nil {
		return dst
	}
	if be, ok := err.(*BuildError); ok {
		return append(dst, be.Errors...)
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			dst = appendFlat(dst, e)
		}
		return dst
	}
	return append(dst, err)
}

func (e *BuildError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("build %d failed: %v", e.Generation, e.Errors[0])
	}
	return fmt.Sprintf("build %d failed with %d errors: %v", e.Generation, len(e.Errors), e.Errors[0])
}

// Unwrap exposes the aggregated errors to errors.Is and errors.As.
func (e *BuildError) Unwrap() []error { return e.Errors }

// Primary returns the first error encountered.
func (e *BuildError) Primary() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}

// Diagnostics describes every aggregated error.
func (e *BuildError) Diagnostics() []Diagnostic {
	out := make([]Diagnostic, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, Describe(err))
	}
	return out
}

// Entry is one collected error or warning.
type Entry struct {
	Diagnostic
	Warning   bool
	Timestamp time.Time
}

// ErrorCollector gathers the errors and warnings of the latest build.
type ErrorCollector struct {
	entries []Entry
	mutex   sync.RWMutex
}

// NewErrorCollector creates an empty collector.
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{}
}

// AddError records err. A BuildError contributes each aggregated error.
func (ec *ErrorCollector) AddError(err error) {
	if err == nil {
		return
	}
	ec.add(err, false)
}

// AddWarning records a non-fatal diagnostic.
func (ec *ErrorCollector) AddWarning(err error) {
	if err == nil {
		return
	}
	ec.add(err, true)
}

func (ec *ErrorCollector) add(err error, warning bool) {
	now := time.Now()
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	for _, e := range appendFlat(nil, err) {
		ec.entries = append(ec.entries, Entry{Diagnostic: Describe(e), Warning: warning, Timestamp: now})
	}
}

// Entries returns a copy of everything collected.
func (ec *ErrorCollector) Entries() []Entry {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	result := make([]Entry, len(ec.entries))
	copy(result, ec.entries)
	return result
}

// HasErrors reports whether any non-warning entry was collected.
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	for _, e := range ec.entries {
		if !e.Warning {
			return true
		}
	}
	return false
}

// Clear drops all entries.
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.entries = ec.entries[:0]
}

// ErrorsByModule returns the entries attributed to a module identity.
func (ec *ErrorCollector) ErrorsByModule(module string) []Entry {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	var out []Entry
	for _, e := range ec.entries {
		if e.Module == module {
			out = append(out, e)
		}
	}
	return out
}

// ErrorOverlay renders the collected errors as a self-contained HTML
// fragment. It returns "" when there is nothing to show.
func (ec *ErrorCollector) ErrorOverlay() string {
	entries := ec.Entries()
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(`<div id="bundlr-error-overlay" style="position:fixed;inset:0;background:rgba(0,0,0,.85);` +
		`color:#fff;font-family:Menlo,Monaco,monospace;font-size:14px;z-index:9999;padding:20px;overflow:auto">`)
	b.WriteString(`<div style="max-width:1000px;margin:0 auto">`)
	b.WriteString(`<div style="display:flex;justify-content:space-between;align-items:center">`)
	title, titleColor := "Build Errors", "#ff6b6b"
	if !ec.HasErrors() {
		title, titleColor = "Build Warnings", "#feca57"
	}
	fmt.Fprintf(&b, `<h2 style="margin:0;color:%s">%s</h2>`, titleColor, title)
	b.WriteString(`<button onclick="document.getElementById('bundlr-error-overlay').remove()" ` +
		`style="background:none;border:1px solid #ccc;color:#fff;padding:5px 10px;cursor:pointer">Close</button>`)
	b.WriteString(`</div>`)

	// one section per module, in the order modules were first reported
	var modules []string
	seen := make(map[string]bool)
	for _, e := range entries {
		if !seen[e.Module] {
			seen[e.Module] = true
			modules = append(modules, e.Module)
		}
	}
	for _, m := range modules {
		b.WriteString(`<div style="background:#2d3748;padding:15px;margin-top:15px">`)
		if m != "" {
			fmt.Fprintf(&b, `<div style="color:#a0aec0">%s</div>`, html.EscapeString(m))
		}
		for _, e := range ec.ErrorsByModule(m) {
			color := "#ff6b6b"
			if e.Warning {
				color = "#feca57"
			}
			fmt.Fprintf(&b, `<div style="border-left:4px solid %s;padding-left:10px;margin-top:8px">`, color)
			fmt.Fprintf(&b, `<div style="color:%s;font-weight:bold">%s</div>`, color, html.EscapeString(string(e.Kind)))
			fmt.Fprintf(&b, `<pre style="white-space:pre-wrap;margin:8px 0 0">%s</pre>`, html.EscapeString(e.Message))
			b.WriteString(`</div>`)
		}
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div></div>`)
	return b.String()
}
