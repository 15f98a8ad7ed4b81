package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/conneroisu/bundlr/internal/chunk"
	"github.com/conneroisu/bundlr/internal/emit"
	bundlrerrors "github.com/conneroisu/bundlr/internal/errors"
	"github.com/conneroisu/bundlr/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{"yml", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newFormatter(format Format) (*Formatter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	f := NewFormatter(format, false)
	f.Writer = &out
	f.ErrWriter = &errOut
	return f, &out, &errOut
}

func sampleReport() BuildReport {
	return BuildReport{
		Generation: 3,
		Duration:   1500 * time.Millisecond,
		Modules:    1200,
		Chunks:     []string{"main"},
		Artifacts: []ArtifactRow{
			{File: "main.abc.js", Chunk: "main", Kind: "js", Size: 2048, Written: true},
			{File: "manifest.json", Kind: "manifest", Size: 100},
		},
		TotalSize: 2148,
	}
}

func TestPrintBuildReportTable(t *testing.T) {
	f, out, _ := newFormatter(FormatTable)
	require.NoError(t, f.PrintBuildReport(sampleReport()))

	text := out.String()
	assert.Contains(t, text, "FILE")
	assert.Contains(t, text, "main.abc.js")
	assert.Contains(t, text, "2.0 kB")
	assert.Contains(t, text, "written")
	assert.Contains(t, text, "build 3: 2.1 kB in 1 chunks from 1,200 modules, 1.5s")
}

func TestPrintBuildReportStructured(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		f, out, _ := newFormatter(FormatJSON)
		require.NoError(t, f.PrintBuildReport(sampleReport()))
		var back BuildReport
		require.NoError(t, json.Unmarshal(out.Bytes(), &back))
		assert.Equal(t, sampleReport(), back)
	})

	t.Run("yaml", func(t *testing.T) {
		f, out, _ := newFormatter(FormatYAML)
		require.NoError(t, f.PrintBuildReport(sampleReport()))
		var back map[string]interface{}
		require.NoError(t, yaml.Unmarshal(out.Bytes(), &back))
		assert.Equal(t, 3, back["generation"])
		assert.Len(t, back["artifacts"], 2)
	})
}

func TestQuiet(t *testing.T) {
	f, out, errOut := newFormatter(FormatTable)
	f.Quiet = true
	require.NoError(t, f.PrintBuildReport(sampleReport()))
	f.PrintWarning("ignored")
	assert.Empty(t, out.String())
	assert.Empty(t, errOut.String())

	f.PrintError("shown")
	assert.Equal(t, "error: shown\n", errOut.String())
}

func TestNewReports(t *testing.T) {
	fs := testutils.NewProject(t, map[string]string{
		"/app/main.js": `require("./a"); import("./lazy");`,
		"/app/a.js":    `require("./b");`,
		"/app/b.js":    `require("./a");`,
		"/app/lazy.js": `module.exports = 1;`,
	})
	g := testutils.BuildGraph(t, fs, 1, "/app/main.js")
	cg := (&chunk.Assembler{}).Assemble(g, []chunk.Entry{{Name: "main", Identity: testutils.ID("/app/main.js")}}, nil, nil)

	r := NewGraphReport(g, cg)
	assert.Equal(t, []string{"/app/main.js"}, r.Entries)
	require.Len(t, r.Modules, 4)
	assert.Equal(t, "/app/a.js", r.Modules[0].Module)
	assert.Equal(t, []string{"main"}, r.Modules[0].Chunks)
	assert.Equal(t, 2, r.Modules[0].Dependents)
	assert.NotEmpty(t, r.Cycles)

	f, out, errOut := newFormatter(FormatTable)
	require.NoError(t, f.PrintGraphReport(r))
	assert.Contains(t, out.String(), "/app/lazy.js")
	assert.Contains(t, errOut.String(), "import cycle")

	res := &emit.Result{
		Artifacts: []emit.Artifact{
			{FileName: "main.js", Chunk: "main", Kind: "js", Size: 10},
			{FileName: "a.css", Chunk: "main", Kind: "css", Size: 5},
		},
		Written: []string{"a.css"},
	}
	br := NewBuildReport(1, time.Second, g, cg, res)
	assert.Equal(t, int64(15), br.TotalSize)
	assert.Equal(t, "a.css", br.Artifacts[0].File)
	assert.True(t, br.Artifacts[0].Written)
	assert.False(t, br.Artifacts[1].Written)
	require.Len(t, br.Warnings, 1)
	assert.Contains(t, br.Warnings[0], "circular dependency: /app/a.js -> /app/b.js -> /app/a.js")

	f, _, errOut = newFormatter(FormatTable)
	require.NoError(t, f.PrintBuildReport(br))
	assert.Contains(t, errOut.String(), "warning: circular dependency")
}

func TestPrintBuildError(t *testing.T) {
	f, _, errOut := newFormatter(FormatTable)
	err := bundlrerrors.NewBuildError(4,
		&bundlrerrors.ResolutionError{Specifier: "./missing", From: "/app/main.js"},
		errors.New("disk full"),
	)
	f.PrintBuildError(err)

	text := errOut.String()
	assert.Contains(t, text, "build 4 failed with 2 error(s)")
	assert.Contains(t, text, "[resolution] /app/main.js:")
	assert.Contains(t, text, "disk full")
}
