package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies errors for the hot-update protocol and the CLI.
type Kind string

const (
	KindResolution Kind = "resolution"
	KindTransform  Kind = "transform"
	KindCycle      Kind = "cycle"
	KindEmit       Kind = "emit"
	KindProtocol   Kind = "protocol"
	KindConfig     Kind = "config"
	KindInternal   Kind = "internal"
)

// Kinded is implemented by every error in this package.
type Kinded interface {
	error
	Kind() Kind
}

// Located is implemented by errors that point at a module.
type Located interface {
	ModuleIdentity() string
}

// ResolutionError reports a specifier that matched no candidate.
type ResolutionError struct {
	Specifier string
	From      string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q from %s", e.Specifier, e.From)
}

// Kind implements Kinded.
func (e *ResolutionError) Kind() Kind { return KindResolution }

// ModuleIdentity implements Located.
func (e *ResolutionError) ModuleIdentity() string { return e.From }

// TransformError reports a failing stage of a module's transform chain.
type TransformError struct {
	Stage  string
	Module string
	Line   int
	Column int
	Cause  error
}

func (e *TransformError) Error() string {
	location := e.Module
	if e.Line > 0 {
		location += fmt.Sprintf(":%d:%d", e.Line, e.Column)
	}
	if e.Cause == nil {
		return fmt.Sprintf("transform %s failed in %s", location, e.Stage)
	}
	return fmt.Sprintf("transform %s failed in %s: %v", location, e.Stage, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *TransformError) Kind() Kind { return KindTransform }

// ModuleIdentity implements Located.
func (e *TransformError) ModuleIdentity() string { return e.Module }

// CycleWarning records a circular dependency. It never fails a build.
type CycleWarning struct {
	Cycle []string
}

func (e *CycleWarning) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// Kind implements Kinded.
func (e *CycleWarning) Kind() Kind { return KindCycle }

// ModuleIdentity implements Located.
func (e *CycleWarning) ModuleIdentity() string {
	if len(e.Cycle) == 0 {
		return ""
	}
	return e.Cycle[0]
}

// EmitError reports an artifact that could not be written.
type EmitError struct {
	Chunk string
	Cause error
}

func (e *EmitError) Error() string {
	return fmt.Sprintf("emit chunk %s: %v", e.Chunk, e.Cause)
}

func (e *EmitError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *EmitError) Kind() Kind { return KindEmit }

// ProtocolError reports a malformed message on the hot-update channel.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return "protocol error: " + e.Reason
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Kind implements Kinded.
func (e *ProtocolError) Kind() Kind { return KindProtocol }

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// Kind implements Kinded.
func (e *ConfigError) Kind() Kind { return KindConfig }

// KindOf returns the kind of the first Kinded error in err's tree.
func KindOf(err error) Kind {
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// Diagnostic is the serialisable form of an error used by the protocol and
// the overlay.
type Diagnostic struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Module  string `json:"module,omitempty"`
}

// Describe converts err into a Diagnostic.
func Describe(err error) Diagnostic {
	d := Diagnostic{Kind: KindOf(err), Message: err.Error()}
	var loc Located
	if errors.As(err, &loc) {
		d.Module = loc.ModuleIdentity()
	}
	return d
}
