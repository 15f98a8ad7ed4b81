// Package hmr defines the hot-update protocol spoken between the dev server
// and browser clients, decides whether a rebuild can be applied in place,
// and ships the client script.
package hmr

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/conneroisu/bundlr/internal/emit"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
)

// Message types. Server to client: hello, ready, buildError, fullReload,
// pong and manifest. Client to server: ping and requestManifest.
const (
	TypeHello           = "hello"
	TypeReady           = "ready"
	TypeBuildError      = "buildError"
	TypeFullReload      = "fullReload"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeRequestManifest = "requestManifest"
	TypeManifest        = "manifest"
)

// Server states reported in hello messages.
const (
	StateIdle     = "idle"
	StateBuilding = "building"
	StateReady    = "ready"
	StateFailed   = "failed"
)

// MaxFrameSize bounds client frames.
const MaxFrameSize = 4 << 10

// ClientScript is served to browsers at /__bundlr/client.js.
//
//go:embed client.js
var ClientScript []byte

// Message is one protocol frame.
type Message struct {
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
	// State is set on hello.
	State string `json:"state,omitempty"`
	// ChangedChunks is set on ready.
	ChangedChunks []string `json:"changedChunks,omitempty"`
	// Errors is set on buildError.
	Errors []bundlrerrors.Diagnostic `json:"errors,omitempty"`
	// Reason is set on fullReload.
	Reason string `json:"reason,omitempty"`
	// Manifest is set on manifest.
	Manifest *emit.Manifest `json:"manifest,omitempty"`
}

// Hello greets a newly connected client.
func Hello(generation uint64, state string) Message {
	return Message{Type: TypeHello, Generation: generation, State: state}
}

// Ready announces a generation whose changed chunks can be applied in
// place.
func Ready(generation uint64, changed []string) Message {
	return Message{Type: TypeReady, Generation: generation, ChangedChunks: changed}
}

// FullReload asks clients to reload the page.
func FullReload(generation uint64, reason string) Message {
	return Message{Type: TypeFullReload, Generation: generation, Reason: reason}
}

// BuildFailed reports every error of a failed build.
func BuildFailed(err *bundlrerrors.BuildError) Message {
	return Message{Type: TypeBuildError, Generation: err.Generation, Errors: err.Diagnostics()}
}

// ManifestOf answers requestManifest.
func ManifestOf(generation uint64, m *emit.Manifest) Message {
	return Message{Type: TypeManifest, Generation: generation, Manifest: m}
}

// Pong answers ping.
func Pong(generation uint64) Message {
	return Message{Type: TypePong, Generation: generation}
}

// Encode marshals m into a text frame.
func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("hmr: message without type")
	}
	return json.Marshal(m)
}

// Decode parses a client frame. Anything other than a well-formed ping or
// requestManifest is a *errors.ProtocolError.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxFrameSize {
		return Message{}, &bundlrerrors.ProtocolError{Reason: fmt.Sprintf("frame of %d bytes exceeds %d", len(data), MaxFrameSize)}
	}
	var frame struct {
		Type       string `json:"type"`
		Generation uint64 `json:"generation"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&frame); err != nil {
		return Message{}, &bundlrerrors.ProtocolError{Reason: "malformed frame", Cause: err}
	}
	if dec.More() {
		return Message{}, &bundlrerrors.ProtocolError{Reason: "trailing data after frame"}
	}

	switch frame.Type {
	case TypePing, TypeRequestManifest:
		return Message{Type: frame.Type, Generation: frame.Generation}, nil
	case "":
		return Message{}, &bundlrerrors.ProtocolError{Reason: "frame without type"}
	default:
		return Message{}, &bundlrerrors.ProtocolError{Reason: fmt.Sprintf("unexpected message type %q", frame.Type)}
	}
}
