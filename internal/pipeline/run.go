// Package pipeline drives the acquisition-and-merge run: it resumes the
// run manifest, enumerates projects via the catalog, and walks every
// pending prefix through the download and parse phases according to the
// selected mode, checkpointing each transition in the state store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taxid2wgs/internal/catalog"
	"taxid2wgs/internal/config"
	"taxid2wgs/internal/fetch"
	"taxid2wgs/internal/merge"
	"taxid2wgs/internal/model"
	"taxid2wgs/internal/runstore"
)

type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDownload Mode = "download-only"
	ModeParse    Mode = "reverse-parse"

	// outputClaimName serializes output-file writers across instances.
	// Accession prefixes are uppercase alphanumerics, so no collision.
	outputClaimName = "_output"

	// downloaderClaimName advertises a live downloading instance so a
	// companion parse instance keeps polling between transfers.
	downloaderClaimName = "_downloader"

	// parse-mode poll cadence while a concurrent downloader is working
	parsePollInterval = 5 * time.Second
)

type Options struct {
	IncludeTaxid string
	ExcludeTaxid string
	Mode         Mode
	Force        bool
	Reverse      bool
	Verbose      bool
	Quiet        bool
	Settings     config.Settings
}

type Result struct {
	ManifestKey    string   `json:"manifest_key"`
	RunDir         string   `json:"run_dir"`
	OutputPath     string   `json:"output_path,omitempty"`
	Total          int      `json:"total"`
	Done           int      `json:"done"`
	Failed         int      `json:"failed"`
	Remaining      int      `json:"remaining"`
	RecordsWritten int64    `json:"records_written"`
	FailedPrefixes []string `json:"failed_prefixes,omitempty"`
}

// FailedPrefixesError reports a run that finished but left prefixes in
// the Failed state; the operator may force-reset and retry them.
type FailedPrefixesError struct {
	Prefixes []string
}

func (e *FailedPrefixesError) Error() string {
	return fmt.Sprintf("%d project(s) failed: %s", len(e.Prefixes), strings.Join(e.Prefixes, ", "))
}

type runner struct {
	opts    Options
	set     config.Settings
	store   *runstore.Store
	fetcher *fetch.Fetcher
	merger  *merge.Merger
	rep     *reporter
	ownerID string
	runDir  string
	out     *os.File

	// dlClaim is the run-level downloader liveness claim; zero when this
	// instance does not download or another downloader already holds it.
	dlClaim runstore.Claim

	mu      sync.Mutex
	records map[string]model.ProjectRecord

	written atomic.Int64
}

func Run(ctx context.Context, opts Options) (Result, error) {
	set := opts.Settings
	key := model.ManifestKey(opts.IncludeTaxid, opts.ExcludeTaxid)
	runDir := filepath.Join(set.RunsDir, key)
	outPath := filepath.Join(set.OutputDir, model.OutputFileName(opts.IncludeTaxid, opts.ExcludeTaxid))

	if opts.Force {
		// Another instance may be appending to the journal right now;
		// wiping it out from under them corrupts the shared run state.
		if runstore.AnyLiveClaim(runDir, runstore.RoleDownload, set.LockStaleness) ||
			runstore.AnyLiveClaim(runDir, runstore.RoleParse, set.LockStaleness) {
			return Result{}, fmt.Errorf("run %s has live claims; stop the other instance before forcing", key)
		}
		if err := runstore.Reset(runDir); err != nil {
			return Result{}, err
		}
		if err := os.Remove(outPath); err != nil && !os.IsNotExist(err) {
			return Result{}, fmt.Errorf("discard output file: %w", err)
		}
	}

	store, err := runstore.Open(runDir)
	if err != nil {
		return Result{}, err
	}
	defer store.Close()

	mf, found, err := store.LoadManifest()
	if err != nil {
		return Result{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if !found {
		mf = model.RunManifest{
			SchemaVersion: 1,
			IncludeTaxid:  opts.IncludeTaxid,
			ExcludeTaxid:  opts.ExcludeTaxid,
			CreatedAt:     now,
		}
	} else if mf.IncludeTaxid != opts.IncludeTaxid || mf.ExcludeTaxid != opts.ExcludeTaxid {
		return Result{}, fmt.Errorf("run directory %s belongs to taxid %s (exclude %q), not %s (exclude %q)",
			runDir, mf.IncludeTaxid, mf.ExcludeTaxid, opts.IncludeTaxid, opts.ExcludeTaxid)
	}
	mf.Mode = string(opts.Mode)
	if err := store.SaveManifest(mf); err != nil {
		return Result{}, err
	}

	records, warnings, err := store.LoadRecords()
	if err != nil {
		return Result{}, err
	}

	// Compacting is only safe while no other instance appends.
	if !runstore.AnyLiveClaim(runDir, runstore.RoleDownload, set.LockStaleness) &&
		!runstore.AnyLiveClaim(runDir, runstore.RoleParse, set.LockStaleness) {
		if err := store.MaybeCompact(records); err != nil {
			return Result{}, err
		}
	}

	prefixes, cached := catalog.LoadCached(runDir, opts.IncludeTaxid, opts.ExcludeTaxid)
	if !cached {
		client := catalog.NewClient(set.CatalogURL, set.HTTPTimeout)
		prefixes, err = client.Resolve(ctx, opts.IncludeTaxid, opts.ExcludeTaxid)
		if err != nil {
			return Result{}, err
		}
		if err := catalog.SaveCache(runDir, opts.IncludeTaxid, opts.ExcludeTaxid, prefixes); err != nil {
			return Result{}, err
		}
	}

	r := &runner{
		opts:    opts,
		set:     set,
		store:   store,
		fetcher: fetch.New(set.ArchiveURL, set.HTTPTimeout),
		ownerID: uuid.NewString(),
		runDir:  runDir,
		records: records,
	}

	for _, prefix := range prefixes {
		if _, ok := r.records[prefix]; ok {
			continue
		}
		rec := model.ProjectRecord{Prefix: prefix}
		if err := model.Transition(&rec, model.StatePending, "discovered in catalog"); err != nil {
			return Result{}, err
		}
		if err := r.persistLocked(rec); err != nil {
			return Result{}, err
		}
	}

	order := append([]string(nil), prefixes...)
	if opts.Reverse {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	terminal := 0
	for _, rec := range r.records {
		if model.IsTerminal(rec.State) {
			terminal++
		}
	}
	r.rep = newReporter(opts.Verbose, opts.Quiet, len(order), terminal)
	r.merger = &merge.Merger{
		Rewrite: merge.NewHeaderRewriter(),
		Warn:    r.rep.Warnf,
	}
	for _, w := range warnings {
		r.rep.Warnf("state store: %s", w)
	}
	r.rep.Infof("%d WGS projects to collect for taxid %s (exclude %q), %d already settled",
		len(order), opts.IncludeTaxid, opts.ExcludeTaxid, terminal)

	runErr := r.dispatch(ctx, order, outPath)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	r.mu.Lock()
	model.RecomputeCounts(&mf, r.records)
	failed := make([]string, 0, mf.Failed)
	for prefix, rec := range r.records {
		if rec.State == model.StateFailed {
			failed = append(failed, prefix)
		}
	}
	r.mu.Unlock()
	sort.Strings(failed)
	if err := store.SaveManifest(mf); err != nil && runErr == nil {
		runErr = err
	}

	result := Result{
		ManifestKey:    key,
		RunDir:         runDir,
		Total:          mf.Total,
		Done:           mf.Done,
		Failed:         mf.Failed,
		Remaining:      mf.Total - mf.Done - mf.Failed,
		RecordsWritten: r.written.Load(),
		FailedPrefixes: failed,
	}
	if opts.Mode != ModeDownload {
		result.OutputPath = outPath
	}

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		r.rep.Finish(blueText("NOTE:") + " " + grayText("interrupted; re-run the same command to resume"))
		return result, fmt.Errorf("run interrupted: %w", runErr)
	case runErr != nil:
		return result, runErr
	case len(failed) > 0:
		r.rep.Finish(redText(" FAILED!") + " " + grayText("some projects exhausted their attempts"))
		return result, &FailedPrefixesError{Prefixes: failed}
	case result.Remaining > 0:
		r.rep.Finish(grayText(fmt.Sprintf("%d project(s) still in progress elsewhere; re-run to continue", result.Remaining)))
		return result, nil
	default:
		r.rep.Finish(greenText("All OK!"))
		return result, nil
	}
}

// dispatch runs the phase loops for the selected mode. Modes that write
// the output file hold the output claim for their lifetime so two
// writers can never interleave appends.
func (r *runner) dispatch(ctx context.Context, order []string, outPath string) error {
	if r.opts.Mode == ModeNormal || r.opts.Mode == ModeDownload {
		claim, err := runstore.TryClaim(r.runDir, downloaderClaimName, runstore.RoleDownload, r.ownerID, r.set.LockStaleness)
		if err != nil && !errors.Is(err, runstore.ErrClaimHeld) {
			return err
		}
		// Contention is fine: some other downloader already advertises.
		if err == nil {
			r.dlClaim = claim
			defer func() {
				_ = r.dlClaim.Release()
			}()
		}
	}

	if r.opts.Mode == ModeNormal || r.opts.Mode == ModeParse {
		claim, err := runstore.TryClaim(r.runDir, outputClaimName, runstore.RoleParse, r.ownerID, r.set.LockStaleness)
		if err != nil {
			if errors.Is(err, runstore.ErrClaimHeld) {
				return fmt.Errorf("another instance is writing %s: %w", outPath, err)
			}
			return err
		}
		defer func() {
			_ = claim.Release()
		}()

		out, err := os.OpenFile(outPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("open output file: %w", err)
		}
		r.out = out
		defer r.out.Close()

		if err := r.rollBackInterruptedMerges(); err != nil {
			return err
		}
	}

	switch r.opts.Mode {
	case ModeNormal:
		return r.runNormal(ctx, order)
	case ModeDownload:
		return r.runDownloadOnly(ctx, order)
	case ModeParse:
		return r.runParseOnly(ctx, order)
	default:
		return fmt.Errorf("unknown mode %q", r.opts.Mode)
	}
}

// runNormal pipelines the two phases: a small fetch-ahead worker pool
// downloads prefixes while a single parser appends them to the output.
func (r *runner) runNormal(ctx context.Context, order []string) error {
	g, gctx := errgroup.WithContext(ctx)
	prefixCh := make(chan string)
	parseCh := make(chan string, r.set.FetchAhead)

	var fetchers sync.WaitGroup
	for i := 0; i < r.set.FetchAhead; i++ {
		fetchers.Add(1)
		g.Go(func() error {
			defer fetchers.Done()
			for prefix := range prefixCh {
				ready, err := r.downloadOne(gctx, prefix)
				if err != nil {
					return err
				}
				if !ready {
					continue
				}
				select {
				case parseCh <- prefix:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		fetchers.Wait()
		close(parseCh)
	}()

	g.Go(func() error {
		defer close(prefixCh)
		for _, prefix := range order {
			r.mu.Lock()
			state := r.records[prefix].State
			r.mu.Unlock()
			if model.IsTerminal(state) {
				r.rep.Skipped(prefix, "already settled")
				continue
			}
			select {
			case prefixCh <- prefix:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		for prefix := range parseCh {
			if _, err := r.parseOne(gctx, prefix); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

func (r *runner) runDownloadOnly(ctx context.Context, order []string) error {
	g, gctx := errgroup.WithContext(ctx)
	prefixCh := make(chan string)

	for i := 0; i < r.set.FetchAhead; i++ {
		g.Go(func() error {
			for prefix := range prefixCh {
				if _, err := r.downloadOne(gctx, prefix); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(prefixCh)
		for _, prefix := range order {
			r.mu.Lock()
			state := r.records[prefix].State
			r.mu.Unlock()
			if model.IsTerminal(state) || state == model.StateDownloaded || state == model.StateParsing {
				continue
			}
			select {
			case prefixCh <- prefix:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}

// runParseOnly merges prefixes left at Downloaded by a concurrent
// download-only instance. Each pass re-reads the shared journal; the
// loop ends when everything is terminal, or when no progress is possible
// and no live downloader remains.
func (r *runner) runParseOnly(ctx context.Context, order []string) error {
	for {
		fresh, warnings, err := r.store.LoadRecords()
		if err != nil {
			return err
		}
		for _, w := range warnings {
			r.rep.Warnf("state store: %s", w)
		}
		r.mu.Lock()
		settled := 0
		for prefix, rec := range fresh {
			if old, ok := r.records[prefix]; ok &&
				!model.IsTerminal(old.State) && model.IsTerminal(rec.State) {
				// The downloader exhausted this prefix's transfer attempts.
				settled++
			}
			r.records[prefix] = rec
		}
		r.mu.Unlock()
		r.rep.MarkTerminal(settled)

		progressed := false
		allTerminal := true
		for _, prefix := range order {
			r.mu.Lock()
			rec := r.records[prefix]
			r.mu.Unlock()
			if model.IsTerminal(rec.State) {
				continue
			}
			allTerminal = false
			if rec.State != model.StateDownloaded {
				continue
			}
			outcome, err := r.parseOne(ctx, prefix)
			if err != nil {
				return err
			}
			if outcome == parseDone || outcome == parseFailed {
				progressed = true
			}
		}

		if allTerminal {
			return nil
		}
		if !progressed {
			if !runstore.AnyLiveClaim(r.runDir, runstore.RoleDownload, r.set.LockStaleness) {
				// Nothing to merge and nobody downloading: leave the rest
				// for a later invocation.
				return nil
			}
			if err := fetch.Sleep(ctx, parsePollInterval); err != nil {
				return err
			}
		}
	}
}

// downloadOne walks a prefix through the download phase, retrying with
// backoff until it reaches Downloaded, exhausts its attempts, or the
// context ends. True means the prefix is ready for (or past) parsing.
func (r *runner) downloadOne(ctx context.Context, prefix string) (bool, error) {
	r.mu.Lock()
	_ = r.dlClaim.Refresh()
	r.mu.Unlock()
	for {
		r.mu.Lock()
		rec, ok := r.records[prefix]
		r.mu.Unlock()
		if !ok {
			return false, fmt.Errorf("unknown prefix %s", prefix)
		}
		switch rec.State {
		case model.StateDownloaded, model.StateParsing:
			return true, nil
		case model.StateDone, model.StateFailed:
			return false, nil
		}

		claim, err := runstore.TryClaim(r.runDir, prefix, runstore.RoleDownload, r.ownerID, r.set.LockStaleness)
		if errors.Is(err, runstore.ErrClaimHeld) {
			r.rep.Skipped(prefix, "claimed by another instance")
			return false, nil
		}
		if err != nil {
			return false, err
		}

		ready, retry, attemptErr := r.downloadAttempt(ctx, prefix, claim)
		if relErr := claim.Release(); relErr != nil && attemptErr == nil {
			attemptErr = relErr
		}
		if attemptErr != nil {
			return false, attemptErr
		}
		if !retry {
			return ready, nil
		}

		r.mu.Lock()
		attempts := r.records[prefix].Attempts
		r.mu.Unlock()
		delay := fetch.Backoff(attempts, r.set.BackoffBase, r.set.BackoffCap)
		r.rep.Retry(prefix, attempts, delay)
		if err := fetch.Sleep(ctx, delay); err != nil {
			return false, nil
		}
	}
}

func (r *runner) downloadAttempt(ctx context.Context, prefix string, claim runstore.Claim) (ready, retry bool, fatal error) {
	r.mu.Lock()
	rec := r.records[prefix]
	if rec.State != model.StatePending && rec.State != model.StateDownloading {
		ready := rec.State == model.StateDownloaded || rec.State == model.StateParsing
		r.mu.Unlock()
		return ready, false, nil
	}
	reason := ""
	if rec.State == model.StateDownloading {
		reason = "resumed after interrupted transfer"
	}
	if err := model.Transition(&rec, model.StateDownloading, reason); err != nil {
		r.mu.Unlock()
		return false, false, err
	}
	rec.Attempts++
	if err := r.persistLocked(rec); err != nil {
		r.mu.Unlock()
		return false, false, err
	}
	priorExpected := rec.BytesExpected
	r.mu.Unlock()

	r.rep.Working(prefix, "downloading")
	start := time.Now()
	res, fetchErr := r.fetcher.Fetch(ctx, prefix, r.store.DownloadsDir(), priorExpected)
	_ = claim.Refresh()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec = r.records[prefix]

	if fetchErr == nil {
		rec.BytesReceived = res.BytesReceived
		rec.BytesExpected = res.BytesExpected
		rec.LastError = ""
		rec.Attempts = 0 // the parse phase counts its own attempts
		reason := ""
		switch {
		case res.Reused:
			reason = "reused existing local file"
		case res.BytesExpected == 0:
			reason = "integrity unknown (archive sent no size signal)"
		}
		if err := model.Transition(&rec, model.StateDownloaded, reason); err != nil {
			return false, false, err
		}
		if err := r.persistLocked(rec); err != nil {
			return false, false, err
		}
		if reason != "" {
			r.rep.Infof("%s: %s", prefix, reason)
		}
		r.rep.Downloaded(prefix, res.BytesReceived, res.Reused, time.Since(start))
		return true, false, nil
	}

	if ctx.Err() != nil {
		// Interrupted, not failed: give the attempt back and park the
		// prefix for resume; the partial file stays for a range restart.
		rec.Attempts--
		if err := model.Transition(&rec, model.StatePending, "interrupted"); err != nil {
			return false, false, err
		}
		if err := r.persistLocked(rec); err != nil {
			return false, false, err
		}
		return false, false, nil
	}

	rec.LastError = fetchErr.Error()
	if rec.Attempts >= r.set.MaxAttempts {
		if err := model.Transition(&rec, model.StateFailed, "transfer attempts exhausted"); err != nil {
			return false, false, err
		}
		if err := r.persistLocked(rec); err != nil {
			return false, false, err
		}
		r.rep.Failed(prefix, fetchErr)
		return false, false, nil
	}
	if err := model.Transition(&rec, model.StatePending, "transfer failed, will retry"); err != nil {
		return false, false, err
	}
	if err := r.persistLocked(rec); err != nil {
		return false, false, err
	}
	return false, true, nil
}

type parseOutcome int

const (
	parseNotReady parseOutcome = iota
	parseSkipped
	parseDone
	parseFailed
)

// parseOne walks a prefix through the parse phase; see downloadOne for
// the retry shape.
func (r *runner) parseOne(ctx context.Context, prefix string) (parseOutcome, error) {
	for {
		r.mu.Lock()
		rec := r.records[prefix]
		r.mu.Unlock()
		switch rec.State {
		case model.StateDone:
			return parseDone, nil
		case model.StateFailed:
			return parseFailed, nil
		case model.StateDownloaded:
		default:
			return parseNotReady, nil
		}

		claim, err := runstore.TryClaim(r.runDir, prefix, runstore.RoleParse, r.ownerID, r.set.LockStaleness)
		if errors.Is(err, runstore.ErrClaimHeld) {
			r.rep.Skipped(prefix, "claimed by another instance")
			return parseSkipped, nil
		}
		if err != nil {
			return parseNotReady, err
		}

		outcome, retry, attemptErr := r.parseAttempt(ctx, prefix)
		if relErr := claim.Release(); relErr != nil && attemptErr == nil {
			attemptErr = relErr
		}
		if attemptErr != nil {
			return parseNotReady, attemptErr
		}
		if !retry {
			return outcome, nil
		}

		r.mu.Lock()
		attempts := r.records[prefix].Attempts
		r.mu.Unlock()
		delay := fetch.Backoff(attempts, r.set.BackoffBase, r.set.BackoffCap)
		r.rep.Retry(prefix, attempts, delay)
		if err := fetch.Sleep(ctx, delay); err != nil {
			return parseNotReady, nil
		}
	}
}

func (r *runner) parseAttempt(ctx context.Context, prefix string) (outcome parseOutcome, retry bool, fatal error) {
	r.mu.Lock()
	rec := r.records[prefix]
	if rec.State != model.StateDownloaded {
		r.mu.Unlock()
		switch rec.State {
		case model.StateDone:
			return parseDone, false, nil
		case model.StateFailed:
			return parseFailed, false, nil
		default:
			return parseNotReady, false, nil
		}
	}

	localPath := filepath.Join(r.store.DownloadsDir(), fetch.FileName(prefix))
	if _, err := os.Stat(localPath); err != nil {
		// The downloaded file vanished; send the prefix back through the
		// download phase.
		if terr := model.Transition(&rec, model.StatePending, "local file missing, needs re-download"); terr != nil {
			r.mu.Unlock()
			return parseNotReady, false, terr
		}
		rec.Attempts = 0
		perr := r.persistLocked(rec)
		r.mu.Unlock()
		r.rep.Warnf("%s: local file missing, scheduled for re-download", prefix)
		return parseNotReady, false, perr
	}

	offset, err := r.out.Seek(0, io.SeekEnd)
	if err != nil {
		r.mu.Unlock()
		return parseNotReady, false, fmt.Errorf("locate output append point: %w", err)
	}
	rec.OutputOffset = offset
	if err := model.Transition(&rec, model.StateParsing, ""); err != nil {
		r.mu.Unlock()
		return parseNotReady, false, err
	}
	rec.Attempts++
	if err := r.persistLocked(rec); err != nil {
		r.mu.Unlock()
		return parseNotReady, false, err
	}
	r.mu.Unlock()

	r.rep.Working(prefix, "parsing")
	start := time.Now()
	count, mergeErr := r.merger.Merge(ctx, prefix, localPath, r.out)

	if mergeErr == nil {
		// Flush-then-mark: output bytes must be durable before the
		// record may claim Done.
		if err := r.out.Sync(); err != nil {
			return parseNotReady, false, fmt.Errorf("sync output: %w", err)
		}
		r.mu.Lock()
		rec = r.records[prefix]
		rec.RecordCount = count
		rec.LastError = ""
		rec.Attempts = 0
		if err := model.Transition(&rec, model.StateDone, ""); err != nil {
			r.mu.Unlock()
			return parseNotReady, false, err
		}
		if err := r.persistLocked(rec); err != nil {
			r.mu.Unlock()
			return parseNotReady, false, err
		}
		r.mu.Unlock()
		r.written.Add(count)
		r.rep.Parsed(prefix, count, time.Since(start))
		return parseDone, false, nil
	}

	if err := r.rewindOutput(offset); err != nil {
		return parseNotReady, false, err
	}

	if ctx.Err() != nil {
		r.mu.Lock()
		rec = r.records[prefix]
		rec.Attempts--
		if err := model.Transition(&rec, model.StateDownloaded, "interrupted"); err != nil {
			r.mu.Unlock()
			return parseNotReady, false, err
		}
		perr := r.persistLocked(rec)
		r.mu.Unlock()
		return parseNotReady, false, perr
	}

	r.mu.Lock()
	rec = r.records[prefix]
	rec.LastError = mergeErr.Error()
	if rec.Attempts >= r.set.MaxAttempts {
		if err := model.Transition(&rec, model.StateFailed, "parse attempts exhausted"); err != nil {
			r.mu.Unlock()
			return parseNotReady, false, err
		}
		perr := r.persistLocked(rec)
		r.mu.Unlock()
		r.rep.Failed(prefix, mergeErr)
		return parseFailed, false, perr
	}
	if err := model.Transition(&rec, model.StateDownloaded, "parse failed, will retry"); err != nil {
		r.mu.Unlock()
		return parseNotReady, false, err
	}
	perr := r.persistLocked(rec)
	r.mu.Unlock()
	return parseNotReady, true, perr
}

// rollBackInterruptedMerges discards the bytes of any merge a previous
// writer left unfinished, before this instance appends anything. The
// output claim guarantees that writer is gone, so every record stuck at
// Parsing marks garbage at the tail of the output; truncating to the
// lowest such checkpoint removes it without touching completed
// contributions (checkpoints only grow, so a Done record's bytes always
// sit below every Parsing checkpoint).
func (r *runner) rollBackInterruptedMerges() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	checkpoint := int64(-1)
	for _, rec := range r.records {
		if rec.State != model.StateParsing {
			continue
		}
		if checkpoint < 0 || rec.OutputOffset < checkpoint {
			checkpoint = rec.OutputOffset
		}
	}
	if checkpoint < 0 {
		return nil
	}
	if err := r.rewindOutput(checkpoint); err != nil {
		return err
	}
	for _, rec := range r.records {
		if rec.State != model.StateParsing {
			continue
		}
		if err := model.Transition(&rec, model.StateDownloaded, "rolled back after interrupted merge"); err != nil {
			return err
		}
		if err := r.persistLocked(rec); err != nil {
			return err
		}
		r.rep.Infof("%s: merge was interrupted, output rolled back to byte %d", rec.Prefix, checkpoint)
	}
	return nil
}

func (r *runner) rewindOutput(offset int64) error {
	if err := r.out.Truncate(offset); err != nil {
		return fmt.Errorf("truncate output to checkpoint: %w", err)
	}
	if _, err := r.out.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek output to checkpoint: %w", err)
	}
	return nil
}

// persistLocked commits one record snapshot and mirrors it in memory.
// Callers hold r.mu (or are single-threaded during setup).
func (r *runner) persistLocked(rec model.ProjectRecord) error {
	if err := r.store.Persist(rec); err != nil {
		return err
	}
	r.records[rec.Prefix] = rec
	return nil
}
