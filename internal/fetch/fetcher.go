// Package fetch retrieves one WGS project's gzipped FASTA file from the
// remote archive into the run's downloads directory. One call is one
// transfer attempt; the retry schedule and attempt accounting live in the
// pipeline driver so they survive process restarts.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const fileSuffix = ".fsa_nt.gz"

// TransferError is a per-prefix transient failure: connection loss,
// unexpected status, interrupted body. Retried with backoff up to the
// configured bound.
type TransferError struct {
	Prefix string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Prefix, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IntegrityError reports a completed transfer whose byte count does not
// match the size the archive advertised, or a resumed partial that cannot
// belong to the current remote file.
type IntegrityError struct {
	Prefix   string
	Expected int64
	Received int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity %s: %s (expected=%d received=%d)", e.Prefix, e.Reason, e.Expected, e.Received)
}

// Result describes one successful (or reused) transfer.
type Result struct {
	Path          string
	BytesReceived int64
	BytesExpected int64 // 0 means the archive gave no size signal
	Resumed       bool
	Reused        bool
}

type Fetcher struct {
	BaseURL string
	Client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		BaseURL: baseURL,
		// Timeout bounds the whole exchange; project files can be large,
		// so only the dial/header phase is capped and reads rely on the
		// caller's context.
		Client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
			},
		},
	}
}

func FileName(prefix string) string {
	return prefix + fileSuffix
}

// remoteURL mirrors the archive's two-level fan-out layout,
// e.g. AAHX01 -> <base>/AA/HX/AAHX01/AAHX01.fsa_nt.gz.
func (f *Fetcher) remoteURL(prefix string) string {
	base := strings.TrimRight(f.BaseURL, "/")
	return fmt.Sprintf("%s/%s/%s/%s/%s", base, prefix[0:2], prefix[2:4], prefix, FileName(prefix))
}

// Fetch performs one transfer attempt for prefix into destDir.
// priorExpected is the size recorded by an earlier attempt (0 if none);
// a size change invalidates any partial file on disk. On success exactly
// one complete local file remains and its path is returned.
func (f *Fetcher) Fetch(ctx context.Context, prefix, destDir string, priorExpected int64) (Result, error) {
	if len(prefix) < 4 {
		return Result{}, &TransferError{Prefix: prefix, Err: fmt.Errorf("accession prefix too short: %q", prefix)}
	}

	final := filepath.Join(destDir, FileName(prefix))
	part := final + ".part"

	if res, ok := f.reuseComplete(ctx, prefix, final); ok {
		return res, nil
	}

	offset := partSize(part)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.remoteURL(prefix), nil)
	if err != nil {
		return Result{}, &TransferError{Prefix: prefix, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Result{}, &TransferError{Prefix: prefix, Err: err}
	}
	defer resp.Body.Close()

	resumed := false
	var expected int64
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		resumed = true
		expected = totalFromContentRange(resp.Header.Get("Content-Range"))
	case resp.StatusCode == http.StatusOK:
		// Either a fresh transfer, or the archive does not support range
		// requests and sent the whole file: restart from zero.
		offset = 0
		expected = resp.ContentLength
		if expected < 0 {
			expected = 0
		}
	default:
		return Result{}, &TransferError{Prefix: prefix, Err: fmt.Errorf("archive returned %s", resp.Status)}
	}

	if resumed && priorExpected > 0 && expected > 0 && expected != priorExpected {
		// The remote file changed size since the partial was written; the
		// recorded prefix of bytes cannot match it anymore.
		_ = os.Remove(part)
		return Result{}, &IntegrityError{Prefix: prefix, Expected: priorExpected, Received: expected,
			Reason: "remote size changed under a resumed partial"}
	}

	received, err := writePart(part, offset, resp.Body)
	if err != nil {
		return Result{}, &TransferError{Prefix: prefix, Err: err}
	}

	if expected > 0 && received != expected {
		if received > expected {
			_ = os.Remove(part)
		}
		return Result{}, &IntegrityError{Prefix: prefix, Expected: expected, Received: received,
			Reason: "byte count mismatch"}
	}
	if err := os.Rename(part, final); err != nil {
		return Result{}, &TransferError{Prefix: prefix, Err: fmt.Errorf("finalize download: %w", err)}
	}

	return Result{Path: final, BytesReceived: received, BytesExpected: expected, Resumed: resumed}, nil
}

// reuseComplete accepts an existing complete local file when its size
// still matches what the archive reports (or when no size signal exists).
func (f *Fetcher) reuseComplete(ctx context.Context, prefix, final string) (Result, bool) {
	info, err := os.Stat(final)
	if err != nil || info.Size() == 0 {
		return Result{}, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.remoteURL(prefix), nil)
	if err != nil {
		return Result{}, false
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		// Archive unreachable: trust the local file, the merge step will
		// surface corruption as a parse failure.
		return Result{Path: final, BytesReceived: info.Size(), Reused: true}, true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.ContentLength <= 0 {
		return Result{Path: final, BytesReceived: info.Size(), Reused: true}, true
	}
	if resp.ContentLength != info.Size() {
		return Result{}, false
	}
	return Result{Path: final, BytesReceived: info.Size(), BytesExpected: resp.ContentLength, Reused: true}, true
}

func writePart(part string, offset int64, body io.Reader) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, err
	}
	if offset > 0 {
		if _, err := out.Seek(offset, io.SeekStart); err != nil {
			_ = out.Close()
			return 0, err
		}
	}

	copied, copyErr := io.Copy(out, body)
	if err := out.Sync(); err != nil && copyErr == nil {
		copyErr = err
	}
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	// The partial stays on disk for a range-resumed retry.
	return offset + copied, copyErr
}

func partSize(part string) int64 {
	info, err := os.Stat(part)
	if err != nil {
		return 0
	}
	return info.Size()
}

// totalFromContentRange parses "bytes start-end/total"; 0 when absent or
// the total is unknown ("*").
func totalFromContentRange(v string) int64 {
	_, after, ok := strings.Cut(v, "/")
	if !ok {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(after), 10, 64)
	if err != nil {
		return 0
	}
	return total
}
