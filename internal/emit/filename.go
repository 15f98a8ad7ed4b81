package emit

import (
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\[(name|ext|hash|chunkhash|contenthash|fullhash)(?::(\d+))?\]`)

// Hashes supplies the values of hash placeholders.
type Hashes struct {
	// Chunk is the chunk hash. [hash], [chunkhash] and [fullhash] expand to it.
	Chunk string
	// Content hashes the file's own bytes. [contenthash] expands to it, or to
	// Chunk when empty.
	Content string
}

// FileName expands a file name pattern such as "[name].[chunkhash:8].js".
// Hash placeholders without an explicit length are cut to hashLength.
func FileName(pattern, name, ext string, hashes Hashes, hashLength int) string {
	return placeholderPattern.ReplaceAllStringFunc(pattern, func(token string) string {
		m := placeholderPattern.FindStringSubmatch(token)
		switch m[1] {
		case "name":
			return name
		case "ext":
			return ext
		}

		value := hashes.Chunk
		if m[1] == "contenthash" && hashes.Content != "" {
			value = hashes.Content
		}
		length := hashLength
		if m[2] != "" {
			if n, err := strconv.Atoi(m[2]); err == nil {
				length = n
			}
		}
		if length > 0 && length < len(value) {
			value = value[:length]
		}
		return value
	})
}
