package runstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taxid2wgs/internal/model"
)

const (
	manifestFileName = "manifest.json"
	journalFileName  = "records.jsonl"
	claimsDirName    = "claims"
	downloadsDirName = "downloads"

	// Journals are compacted on open once they carry this many times more
	// lines than live records.
	compactFactor  = 4
	compactMinimum = 256
)

// ErrCorruptRecord marks a persisted record that is unreadable or
// self-contradictory. Recovery discards only that record.
var ErrCorruptRecord = errors.New("corrupt project record")

// Store is the durable, crash-safe state of one run directory. The
// manifest is a single JSON document replaced atomically; project records
// go to an append-only journal where each line is a full snapshot and the
// last snapshot per prefix wins on replay.
type Store struct {
	dir     string
	journal *os.File
	lines   int
}

func Open(dir string) (*Store, error) {
	if err := Mkdir(dir); err != nil {
		return nil, err
	}
	if err := Mkdir(filepath.Join(dir, downloadsDirName)); err != nil {
		return nil, err
	}
	journal, err := os.OpenFile(filepath.Join(dir, journalFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open record journal: %w", err)
	}
	return &Store{dir: dir, journal: journal}, nil
}

func (s *Store) Dir() string          { return s.dir }
func (s *Store) DownloadsDir() string { return filepath.Join(s.dir, downloadsDirName) }
func (s *Store) ManifestPath() string { return filepath.Join(s.dir, manifestFileName) }

func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

// LoadManifest returns the persisted run manifest, reporting false when
// this run directory has never been initialized.
func (s *Store) LoadManifest() (model.RunManifest, bool, error) {
	var mf model.RunManifest
	err := ReadJSON(s.ManifestPath(), &mf)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.RunManifest{}, false, nil
		}
		return model.RunManifest{}, false, err
	}
	return mf, true, nil
}

func (s *Store) SaveManifest(mf model.RunManifest) error {
	mf.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.ManifestPath(), mf)
}

// LoadRecords replays the journal. Malformed lines are skipped with a
// warning instead of aborting the load: after an unclean shutdown the
// only damage an append-only journal can carry is a garbage tail.
func (s *Store) LoadRecords() (map[string]model.ProjectRecord, []string, error) {
	records := make(map[string]model.ProjectRecord)
	var warnings []string

	f, err := os.Open(filepath.Join(s.dir, journalFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil, nil
		}
		return nil, nil, fmt.Errorf("open record journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec model.ProjectRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			warnings = append(warnings, fmt.Sprintf("journal line %d unreadable, skipped: %v", lineNo, err))
			continue
		}
		if rec.Prefix == "" || !model.IsKnownState(rec.State) {
			warnings = append(warnings, fmt.Sprintf("journal line %d: %v (prefix=%q state=%q), record discarded",
				lineNo, ErrCorruptRecord, rec.Prefix, rec.State))
			continue
		}
		records[rec.Prefix] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan record journal: %w", err)
	}
	s.lines = lineNo
	return records, warnings, nil
}

// Persist durably commits one record snapshot. The line is fsynced before
// returning so a caller may treat the transition as checkpointed.
func (s *Store) Persist(rec model.ProjectRecord) error {
	if s.journal == nil {
		return errors.New("record journal is closed")
	}
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.Prefix, err)
	}
	data = append(data, '\n')
	if _, err := s.journal.Write(data); err != nil {
		return fmt.Errorf("append record %s: %w", rec.Prefix, err)
	}
	if err := s.journal.Sync(); err != nil {
		return fmt.Errorf("sync record journal: %w", err)
	}
	s.lines++
	return nil
}

// MaybeCompact rewrites the journal down to one line per prefix when the
// replay cost has grown well past the live record count. Safe only while
// this process is the sole journal writer.
func (s *Store) MaybeCompact(records map[string]model.ProjectRecord) error {
	if s.lines < compactMinimum || s.lines < compactFactor*len(records) {
		return nil
	}
	prefixes := make([]string, 0, len(records))
	for prefix := range records {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)

	var buf strings.Builder
	for _, prefix := range prefixes {
		data, err := json.Marshal(records[prefix])
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", prefix, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	path := filepath.Join(s.dir, journalFileName)
	if err := s.journal.Close(); err != nil {
		return fmt.Errorf("close record journal: %w", err)
	}
	s.journal = nil
	if err := WriteBytes(path, []byte(buf.String())); err != nil {
		return err
	}
	journal, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen record journal: %w", err)
	}
	s.journal = journal
	s.lines = len(prefixes)
	return nil
}

// Reset discards all persisted state for a run directory except the
// downloads cache, which force mode may reuse opportunistically.
func Reset(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read run directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Name() == downloadsDirName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("discard %s: %w", e.Name(), err)
		}
	}
	return nil
}
