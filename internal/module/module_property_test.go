//go:build property

package module

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var segment = gen.OneConstOf("src", "a.js", "..", ".", "", "\u00e9", "e\u0301", "node_modules", "\u00fc.ts")

func pathGen() gopter.Gen {
	return gen.SliceOf(segment).Map(func(parts []interface{}) string {
		var b strings.Builder
		for _, part := range parts {
			b.WriteString("/")
			b.WriteString(part.(string))
		}
		return b.String()
	})
}

func TestIdentityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 300

	properties := gopter.NewProperties(parameters)

	properties.Property("canonical is idempotent", prop.ForAll(
		func(p string) bool {
			once := Canonical(p)
			return Canonical(once) == once
		},
		pathGen(),
	))

	properties.Property("composed and decomposed spellings agree", prop.ForAll(
		func(p string) bool {
			decomposed := strings.ReplaceAll(p, "\u00e9", "e\u0301")
			return Canonical(p) == Canonical(decomposed)
		},
		pathGen(),
	))

	properties.Property("string round trips through ParseIdentity", prop.ForAll(
		func(p string, variant interface{}) bool {
			id := NewIdentity(p, variant.(string))
			return ParseIdentity(id.String()) == id
		},
		pathGen(),
		gen.OneConstOf("", "style", "script", "template"),
	))

	properties.TestingRun(t)
}
