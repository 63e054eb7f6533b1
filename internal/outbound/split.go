package outbound

import (
	"fmt"
	"unicode/utf8"
)

// Split cuts content into contiguous windows of at most limit runes.
// Concatenating the result yields content exactly. Empty content yields no
// chunks; limit <= 0 yields one chunk holding everything.
func Split(content string, limit int) []string {
	if content == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}
	chunks := make([]string, 0, utf8.RuneCountInString(content)/limit+1)
	start, n := 0, 0
	for i := range content {
		if n == limit {
			chunks = append(chunks, content[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(chunks, content[start:])
}

// ChunkKey derives the dedupe key of chunk index (1-based) of total.
func ChunkKey(key string, index, total int) string {
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d/%d", key, index, total)
}
