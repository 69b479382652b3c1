// Package merge streams a downloaded project file record-by-record,
// rewrites each record header, and appends the result to the shared
// output stream. Files are never loaded whole: projects can be
// arbitrarily large.
package merge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
)

// ParseError is a per-prefix parse failure (malformed or truncated local
// file). It counts toward the retry bound instead of aborting the run.
type ParseError struct {
	Prefix string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Prefix, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

type Merger struct {
	Rewrite RewriteFunc
	// Warn receives non-fatal notices (e.g. headers passed through
	// unrecognized). Nil disables warnings.
	Warn func(format string, args ...any)
}

// Merge streams localPath into out, rewriting every header for prefix.
// Returns the number of FASTA records written. The caller owns output
// positioning and durability: it records the output offset beforehand
// and syncs after, so a crashed merge can be truncated and redone.
func (m *Merger) Merge(ctx context.Context, prefix, localPath string, out io.Writer) (int64, error) {
	in, err := Open(localPath)
	if err != nil {
		return 0, &ParseError{Prefix: prefix, Err: err}
	}
	defer in.Close()

	w := bufio.NewWriterSize(out, 1<<20)
	sc := bufio.NewScanner(in)
	// WGS sequence lines are short but headers and malformed inputs can
	// be long; allow single lines up to 64 MiB like other FASTA tooling.
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var records int64
	var lines int64
	for sc.Scan() {
		line := sc.Bytes()
		lines++
		if lines%4096 == 0 {
			select {
			case <-ctx.Done():
				return records, ctx.Err()
			default:
			}
		}
		if len(line) > 0 && line[0] == '>' {
			records++
			header, ok := m.Rewrite(string(line[1:]), prefix)
			if !ok && m.Warn != nil {
				m.Warn("prefix %s: unrecognized header passed through: %.80s", prefix, line)
			}
			if _, err := w.WriteString(">" + header + "\n"); err != nil {
				return records, fmt.Errorf("write output: %w", err)
			}
			continue
		}
		if _, err := w.Write(line); err != nil {
			return records, fmt.Errorf("write output: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return records, fmt.Errorf("write output: %w", err)
		}
	}
	if err := sc.Err(); err != nil {
		// Includes gzip stream corruption surfaced through the reader.
		return records, &ParseError{Prefix: prefix, Err: err}
	}
	if records == 0 {
		return 0, &ParseError{Prefix: prefix, Err: errors.New("no FASTA records found (empty or corrupt file)")}
	}
	if err := w.Flush(); err != nil {
		return records, fmt.Errorf("flush output: %w", err)
	}
	return records, nil
}
