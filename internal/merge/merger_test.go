package merge

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func gzFixture(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMerge_NewFormatPassesThrough(t *testing.T) {
	dir := t.TempDir()
	content := ">AAHX01000001.1 Homo sapiens chromosome 1\nACGT\nACGT\n>AAHX01000002.1 Homo sapiens chromosome 2\nGGCC\n"
	path := gzFixture(t, dir, "AAHX01.fsa_nt.gz", content)

	var out bytes.Buffer
	m := &Merger{Rewrite: NewHeaderRewriter()}
	n, err := m.Merge(context.Background(), "AAHX01", path, &out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
	if out.String() != content {
		t.Fatalf("new-format content must be unchanged:\n%s", out.String())
	}
}

func TestMerge_OldFormatHeadersRewritten(t *testing.T) {
	dir := t.TempDir()
	content := ">gi|1234|gb|AAHX0100001.1|Homo sapiens clone x  \nACGT\n>gi|1235|gb|AAHX0100002.1|Homo sapiens clone y\nTTAA\n"
	path := gzFixture(t, dir, "AAHX01.fsa_nt.gz", content)

	var out bytes.Buffer
	m := &Merger{Rewrite: NewHeaderRewriter()}
	n, err := m.Merge(context.Background(), "AAHX", path, &out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
	want := ">AAHX0100001.1 Homo sapiens clone x\nACGT\n>AAHX0100002.1 Homo sapiens clone y\nTTAA\n"
	if out.String() != want {
		t.Fatalf("rewrite mismatch:\ngot  %q\nwant %q", out.String(), want)
	}
}

func TestMerge_UnrecognizedHeaderPassesThroughWithWarning(t *testing.T) {
	dir := t.TempDir()
	content := ">weird|header|shape description\nACGT\n"
	path := gzFixture(t, dir, "AAHX01.fsa_nt.gz", content)

	var warned []string
	m := &Merger{
		Rewrite: NewHeaderRewriter(),
		Warn: func(format string, args ...any) {
			warned = append(warned, format)
		},
	}
	var out bytes.Buffer
	n, err := m.Merge(context.Background(), "AAHX", path, &out)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 record, got %d", n)
	}
	if !strings.Contains(out.String(), "weird|header|shape") {
		t.Fatalf("unrecognized header must pass through: %q", out.String())
	}
	if len(warned) != 1 {
		t.Fatalf("expected one warning, got %d", len(warned))
	}
}

func TestMerge_EmptyFileIsParseError(t *testing.T) {
	dir := t.TempDir()
	path := gzFixture(t, dir, "AAHX01.fsa_nt.gz", "")

	m := &Merger{Rewrite: NewHeaderRewriter()}
	var out bytes.Buffer
	_, err := m.Merge(context.Background(), "AAHX01", path, &out)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestMerge_TruncatedGzipIsParseError(t *testing.T) {
	dir := t.TempDir()
	full := gzFixture(t, dir, "full.fsa_nt.gz", ">AAHX01000001.1 x\nACGTACGTACGTACGTACGTACGT\n")
	data, err := os.ReadFile(full)
	if err != nil {
		t.Fatal(err)
	}
	truncated := filepath.Join(dir, "AAHX01.fsa_nt.gz")
	if err := os.WriteFile(truncated, data[:len(data)-6], 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Merger{Rewrite: NewHeaderRewriter()}
	var out bytes.Buffer
	_, err = m.Merge(context.Background(), "AAHX01", truncated, &out)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError for truncated gzip, got %v", err)
	}
}

func TestMerge_MissingFileIsParseError(t *testing.T) {
	m := &Merger{Rewrite: NewHeaderRewriter()}
	var out bytes.Buffer
	_, err := m.Merge(context.Background(), "AAHX01", filepath.Join(t.TempDir(), "nope.gz"), &out)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestNewHeaderRewriter_DescriptionOptional(t *testing.T) {
	rw := NewHeaderRewriter()
	got, ok := rw("gi|1|gb|AAHX0100003.1|", "AAHX")
	if !ok || got != "AAHX0100003.1" {
		t.Fatalf("got %q ok=%v", got, ok)
	}
}
