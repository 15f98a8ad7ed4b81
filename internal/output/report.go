package output

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/conneroisu/bundlr/internal/chunk"
	"github.com/conneroisu/bundlr/internal/emit"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/graph"
	"github.com/dustin/go-humanize"
)

// ArtifactRow describes one emitted file.
type ArtifactRow struct {
	File    string `json:"file" yaml:"file"`
	Chunk   string `json:"chunk,omitempty" yaml:"chunk,omitempty"`
	Kind    string `json:"kind" yaml:"kind"`
	Size    int64  `json:"size" yaml:"size"`
	Written bool   `json:"written" yaml:"written"`
}

// BuildReport summarises a finished build.
type BuildReport struct {
	Generation uint64        `json:"generation" yaml:"generation"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Modules    int           `json:"modules" yaml:"modules"`
	Chunks     []string      `json:"chunks" yaml:"chunks"`
	Artifacts  []ArtifactRow `json:"artifacts" yaml:"artifacts"`
	TotalSize  int64         `json:"totalSize" yaml:"totalSize"`
	Warnings   []string      `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewBuildReport collects the report for one emission.
func NewBuildReport(gen uint64, duration time.Duration, g *graph.Graph, cg *chunk.ChunkGraph, res *emit.Result) BuildReport {
	written := make(map[string]bool, len(res.Written))
	for _, name := range res.Written {
		written[name] = true
	}

	r := BuildReport{
		Generation: gen,
		Duration:   duration,
		Modules:    g.Len(),
		Chunks:     cg.Names(),
	}
	for _, w := range g.CycleWarnings() {
		r.Warnings = append(r.Warnings, w.Error())
	}
	for _, a := range res.Artifacts {
		r.Artifacts = append(r.Artifacts, ArtifactRow{
			File:    a.FileName,
			Chunk:   a.Chunk,
			Kind:    a.Kind,
			Size:    a.Size,
			Written: written[a.FileName],
		})
		r.TotalSize += a.Size
	}
	sort.Slice(r.Artifacts, func(i, j int) bool { return r.Artifacts[i].File < r.Artifacts[j].File })
	return r
}

// PrintBuildReport writes r in the configured format.
func (f *Formatter) PrintBuildReport(r BuildReport) error {
	if f.Format != FormatTable {
		return f.Print(r)
	}

	data := TableData{Headers: []string{"File", "Chunk", "Kind", "Size", ""}}
	for _, a := range r.Artifacts {
		mark := ""
		if a.Written {
			mark = "written"
		}
		data.Rows = append(data.Rows, []string{a.File, a.Chunk, a.Kind, humanize.Bytes(uint64(a.Size)), mark})
	}
	f.PrintTable(data)
	for _, w := range r.Warnings {
		f.PrintWarning(w)
	}
	f.PrintInfo("\nbuild %d: %s in %d chunks from %s modules, %s",
		r.Generation, humanize.Bytes(uint64(r.TotalSize)), len(r.Chunks),
		humanize.Comma(int64(r.Modules)), r.Duration.Round(time.Millisecond))
	return nil
}

// ModuleRow describes one module of the graph.
type ModuleRow struct {
	Module     string   `json:"module" yaml:"module"`
	Chunks     []string `json:"chunks" yaml:"chunks"`
	Imports    []string `json:"imports,omitempty" yaml:"imports,omitempty"`
	Async      []string `json:"async,omitempty" yaml:"async,omitempty"`
	Dependents int      `json:"dependents" yaml:"dependents"`
	Size       int      `json:"size" yaml:"size"`
	HotAccept  bool     `json:"hotAccept" yaml:"hotAccept"`
}

// GraphReport lists the modules of a build and the chunks holding them.
type GraphReport struct {
	Generation uint64      `json:"generation" yaml:"generation"`
	Entries    []string    `json:"entries" yaml:"entries"`
	Modules    []ModuleRow `json:"modules" yaml:"modules"`
	Cycles     [][]string  `json:"cycles,omitempty" yaml:"cycles,omitempty"`
}

// NewGraphReport collects the report for a graph and its chunks.
func NewGraphReport(g *graph.Graph, cg *chunk.ChunkGraph) GraphReport {
	r := GraphReport{Generation: uint64(g.Generation())}
	for _, id := range g.Entries() {
		r.Entries = append(r.Entries, id.String())
	}
	for _, id := range g.Identities() {
		rec, _ := g.Get(id)
		row := ModuleRow{
			Module:     id.String(),
			Chunks:     cg.ChunksOf(id),
			Dependents: len(g.Dependents(id)),
			Size:       len(rec.Code),
			HotAccept:  rec.HotAccept,
		}
		for _, dep := range g.Dependencies(id) {
			row.Imports = append(row.Imports, dep.String())
		}
		for _, dep := range g.AsyncDependencies(id) {
			row.Async = append(row.Async, dep.String())
		}
		r.Modules = append(r.Modules, row)
	}
	for _, w := range g.CycleWarnings() {
		r.Cycles = append(r.Cycles, w.Cycle)
	}
	return r
}

// PrintGraphReport writes r in the configured format.
func (f *Formatter) PrintGraphReport(r GraphReport) error {
	if f.Format != FormatTable {
		return f.Print(r)
	}

	data := TableData{Headers: []string{"Module", "Chunks", "Imports", "Dependents", "Size"}}
	for _, m := range r.Modules {
		data.Rows = append(data.Rows, []string{
			m.Module,
			strings.Join(m.Chunks, ","),
			strconv.Itoa(len(m.Imports) + len(m.Async)),
			strconv.Itoa(m.Dependents),
			humanize.Bytes(uint64(m.Size)),
		})
	}
	f.PrintTable(data)
	for _, cycle := range r.Cycles {
		f.PrintWarning("import cycle: " + strings.Join(cycle, " -> "))
	}
	return nil
}

// PrintBuildError lists every error of a failed build.
func (f *Formatter) PrintBuildError(err error) {
	diags := []bundlrerrors.Diagnostic{bundlrerrors.Describe(err)}
	var be *bundlrerrors.BuildError
	if errors.As(err, &be) {
		diags = be.Diagnostics()
		f.PrintError(fmt.Sprintf("build %d failed with %d error(s)", be.Generation, len(diags)))
	}
	for _, d := range diags {
		if d.Module != "" {
			f.PrintError(fmt.Sprintf("[%s] %s: %s", d.Kind, d.Module, d.Message))
			continue
		}
		f.PrintError(fmt.Sprintf("[%s] %s", d.Kind, d.Message))
	}
}
