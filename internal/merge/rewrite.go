package merge

import (
	"fmt"
	"regexp"
	"strings"
)

// RewriteFunc normalizes one raw FASTA header (without the leading '>')
// for a given project prefix. The boolean reports whether the header was
// recognized; unrecognized headers pass through unmodified so a strange
// header shape never fails a whole merge.
type RewriteFunc func(rawHeader, prefix string) (string, bool)

// oldHeaderPattern matches legacy WGS headers that bury the accession in
// a pipe-delimited chain, e.g. "gi|1234|gb|AAHX01000001.1|Homo sapiens...".
// Capture 1 is the versioned accession, capture 2 the description.
func oldHeaderPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(%s(?:\d){5,8}\.\d)\|([\w\W]*)$`, regexp.QuoteMeta(prefix)))
}

// NewHeaderRewriter returns the standard WGS header normalization:
// new-format headers (accession first) pass through, old-format headers
// are rewritten to ">ACCESSION description".
func NewHeaderRewriter() RewriteFunc {
	cache := make(map[string]*regexp.Regexp)
	return func(rawHeader, prefix string) (string, bool) {
		if strings.HasPrefix(rawHeader, prefix) {
			return rawHeader, true
		}
		re, ok := cache[prefix]
		if !ok {
			re = oldHeaderPattern(prefix)
			cache[prefix] = re
		}
		m := re.FindStringSubmatch(rawHeader)
		if m == nil {
			return rawHeader, false
		}
		accession := m[1]
		description := strings.TrimSpace(m[2])
		if description == "" {
			return accession, true
		}
		return accession + " " + description, true
	}
}
