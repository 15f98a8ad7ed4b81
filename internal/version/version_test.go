package version

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShort(t *testing.T) {
	tests := []struct {
		name string
		info BuildInfo
		want string
	}{
		{"release with commit", BuildInfo{Version: "v1.2.0", GitCommit: "abc1234def"}, "v1.2.0 (abc1234)"},
		{"dev with commit", BuildInfo{Version: "dev", GitCommit: "abc1234def"}, "dev-abc1234"},
		{"unknown commit", BuildInfo{Version: "v1.2.0", GitCommit: "unknown"}, "v1.2.0"},
		{"short commit", BuildInfo{Version: "dev", GitCommit: "abc"}, "dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.info.Short())
		})
	}
}

func TestRelease(t *testing.T) {
	assert.True(t, BuildInfo{Version: "v0.3.1"}.Release())
	assert.False(t, BuildInfo{Version: "dev"}.Release())
	assert.False(t, BuildInfo{Version: "dev-abc1234"}.Release())
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.True(t, want.Equal(parseTime("2026-03-01T12:30:00Z")))
	assert.True(t, want.Equal(parseTime("2026-03-01 12:30:00")))
	assert.True(t, parseTime("unknown").IsZero())
	assert.True(t, parseTime("yesterday").IsZero())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
	assert.True(t, strings.HasPrefix(info.String(), "bundlr "))
}
