package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"taxid2wgs/internal/catalog"
	"taxid2wgs/internal/config"
	"taxid2wgs/internal/model"
	"taxid2wgs/internal/runstore"
)

type StatusOptions struct {
	IncludeTaxid string
	ExcludeTaxid string
	Settings     config.Settings
}

type StatusRow struct {
	Prefix        string `json:"prefix"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts,omitempty"`
	BytesReceived int64  `json:"bytes_received,omitempty"`
	RecordCount   int64  `json:"record_count,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type StatusReport struct {
	ManifestKey    string            `json:"manifest_key"`
	RunDir         string            `json:"run_dir"`
	OutputPath     string            `json:"output_path"`
	OutputBytes    int64             `json:"output_bytes"`
	Manifest       model.RunManifest `json:"manifest"`
	Rows           []StatusRow       `json:"rows"`
	ActiveDownload bool              `json:"active_download"`
	ActiveParse    bool              `json:"active_parse"`
	Warnings       []string          `json:"warnings,omitempty"`
}

// Inspect builds a read-only snapshot of a run directory. It never
// mutates state, so it is safe while other instances are working.
func Inspect(opts StatusOptions) (StatusReport, error) {
	set := opts.Settings
	key := model.ManifestKey(opts.IncludeTaxid, opts.ExcludeTaxid)
	runDir := filepath.Join(set.RunsDir, key)
	outPath := filepath.Join(set.OutputDir, model.OutputFileName(opts.IncludeTaxid, opts.ExcludeTaxid))

	if _, err := os.Stat(runDir); err != nil {
		return StatusReport{}, fmt.Errorf("no run found for %s (expected %s): %w", key, runDir, err)
	}
	store, err := runstore.Open(runDir)
	if err != nil {
		return StatusReport{}, err
	}
	defer store.Close()

	mf, _, err := store.LoadManifest()
	if err != nil {
		return StatusReport{}, err
	}
	records, warnings, err := store.LoadRecords()
	if err != nil {
		return StatusReport{}, err
	}
	model.RecomputeCounts(&mf, records)

	rows := make([]StatusRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, StatusRow{
			Prefix:        rec.Prefix,
			State:         rec.State,
			Attempts:      rec.Attempts,
			BytesReceived: rec.BytesReceived,
			RecordCount:   rec.RecordCount,
			LastError:     rec.LastError,
			UpdatedAt:     rec.UpdatedAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Prefix < rows[j].Prefix })

	var outBytes int64
	if info, err := os.Stat(outPath); err == nil {
		outBytes = info.Size()
	}

	return StatusReport{
		ManifestKey:    key,
		RunDir:         runDir,
		OutputPath:     outPath,
		OutputBytes:    outBytes,
		Manifest:       mf,
		Rows:           rows,
		ActiveDownload: runstore.AnyLiveClaim(runDir, runstore.RoleDownload, set.LockStaleness),
		ActiveParse:    runstore.AnyLiveClaim(runDir, runstore.RoleParse, set.LockStaleness),
		Warnings:       warnings,
	}, nil
}

type ResetOptions struct {
	IncludeTaxid string
	ExcludeTaxid string
	// Prefix limits the reset to one project; empty resets the whole run
	// (journal, manifest, claims, catalog cache and the output file, but
	// not the downloads cache).
	Prefix   string
	Settings config.Settings
}

type ResetResult struct {
	ManifestKey string   `json:"manifest_key"`
	RunDir      string   `json:"run_dir"`
	Prefixes    []string `json:"prefixes,omitempty"`
	OutputGone  bool     `json:"output_removed"`
}

// ResetRun rolls state back so the next invocation redoes work: the
// whole run when no prefix is given, or a single terminal prefix.
// Resetting one Done prefix also discards the output file, since the
// merged artifact would otherwise double that project's records.
func ResetRun(opts ResetOptions) (ResetResult, error) {
	set := opts.Settings
	key := model.ManifestKey(opts.IncludeTaxid, opts.ExcludeTaxid)
	runDir := filepath.Join(set.RunsDir, key)
	outPath := filepath.Join(set.OutputDir, model.OutputFileName(opts.IncludeTaxid, opts.ExcludeTaxid))
	res := ResetResult{ManifestKey: key, RunDir: runDir}

	if runstore.AnyLiveClaim(runDir, runstore.RoleDownload, set.LockStaleness) ||
		runstore.AnyLiveClaim(runDir, runstore.RoleParse, set.LockStaleness) {
		return res, fmt.Errorf("run %s has live claims; stop the other instance first", key)
	}

	if opts.Prefix == "" {
		if err := runstore.Reset(runDir); err != nil {
			return res, err
		}
		if err := catalog.DropCache(runDir); err != nil {
			return res, err
		}
		if err := os.Remove(outPath); err == nil {
			res.OutputGone = true
		} else if !os.IsNotExist(err) {
			return res, fmt.Errorf("discard output file: %w", err)
		}
		return res, nil
	}

	store, err := runstore.Open(runDir)
	if err != nil {
		return res, err
	}
	defer store.Close()

	records, _, err := store.LoadRecords()
	if err != nil {
		return res, err
	}
	rec, ok := records[opts.Prefix]
	if !ok {
		return res, fmt.Errorf("unknown prefix %s in run %s", opts.Prefix, key)
	}
	if !model.IsTerminal(rec.State) {
		return res, fmt.Errorf("prefix %s is %s; only done or failed projects can be reset", opts.Prefix, rec.State)
	}

	wasDone := rec.State == model.StateDone
	rec.Attempts = 0
	rec.LastError = ""
	rec.RecordCount = 0
	rec.OutputOffset = 0
	if err := model.Transition(&rec, model.StatePending, "reset by operator"); err != nil {
		return res, err
	}
	if err := store.Persist(rec); err != nil {
		return res, err
	}
	res.Prefixes = []string{opts.Prefix}

	if wasDone {
		// The prefix's records are already merged; the output must be
		// rebuilt rather than appended twice. Every other Done prefix
		// keeps its state and re-merges from its local download.
		if err := os.Remove(outPath); err == nil {
			res.OutputGone = true
		} else if !os.IsNotExist(err) {
			return res, fmt.Errorf("discard output file: %w", err)
		}
		for prefix, other := range records {
			if prefix == opts.Prefix || other.State != model.StateDone {
				continue
			}
			other.RecordCount = 0
			other.OutputOffset = 0
			if err := model.Transition(&other, model.StatePending, "output rebuilt after reset"); err != nil {
				return res, err
			}
			if err := store.Persist(other); err != nil {
				return res, err
			}
			res.Prefixes = append(res.Prefixes, prefix)
		}
		sort.Strings(res.Prefixes)
	}

	mf, found, err := store.LoadManifest()
	if err != nil {
		return res, err
	}
	if found {
		records, _, err = store.LoadRecords()
		if err != nil {
			return res, err
		}
		model.RecomputeCounts(&mf, records)
		if err := store.SaveManifest(mf); err != nil {
			return res, err
		}
	}
	return res, nil
}
