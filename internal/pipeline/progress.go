package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	grayText    = color.New(color.FgHiBlack).SprintFunc()
	redText     = color.New(color.FgHiRed).SprintFunc()
	greenText   = color.New(color.FgHiGreen).SprintFunc()
	yellowText  = color.New(color.FgHiYellow).SprintFunc()
	blueText    = color.New(color.FgHiBlue).SprintFunc()
	magentaText = color.New(color.FgHiMagenta).SprintFunc()
)

var spinnerFrames = [...]byte{'-', '\\', '|', '/'}

// reporter renders run progress: one line per event in verbose mode, a
// single rolling indicator line otherwise.
type reporter struct {
	mu      sync.Mutex
	verbose bool
	quiet   bool

	total    int
	terminal int
	frame    int
	phase    string
	rolling  bool
}

func newReporter(verbose, quiet bool, total, terminal int) *reporter {
	return &reporter{verbose: verbose, quiet: quiet, total: total, terminal: terminal}
}

func (r *reporter) Infof(format string, args ...any) {
	if !r.verbose || r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakRolling()
	fmt.Println(grayText(fmt.Sprintf(format, args...)))
}

func (r *reporter) Warnf(format string, args ...any) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakRolling()
	fmt.Println(yellowText(" PROBLEM!"), grayText(fmt.Sprintf(format, args...)))
}

func (r *reporter) Retry(prefix string, attempt int, delay time.Duration) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verbose {
		fmt.Println(yellowText(" PROBLEM!"), grayText(fmt.Sprintf("%s attempt %d failed, retrying in %s", prefix, attempt, delay.Round(time.Second))))
		return
	}
	r.phase = fmt.Sprintf("retrying %s in %s", prefix, delay.Round(time.Second))
	r.renderRolling()
}

func (r *reporter) Working(prefix, phase string) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verbose {
		fmt.Printf("%s %s %s...\n", grayText(phase), prefix, grayText("project"))
		return
	}
	r.phase = fmt.Sprintf("%s %s", phase, prefix)
	r.renderRolling()
}

func (r *reporter) Downloaded(prefix string, bytes int64, reused bool, elapsed time.Duration) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verbose {
		note := ""
		if reused {
			note = grayText(" [already in disk]")
		}
		fmt.Printf("%s downloaded %d bytes in %s%s %s\n", prefix, bytes, elapsed.Round(time.Millisecond), note, greenText("OK!"))
		return
	}
	r.renderRolling()
}

func (r *reporter) Parsed(prefix string, records int64, elapsed time.Duration) {
	r.bumpTerminal()
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verbose {
		fmt.Printf("%s merged %d records in %s %s\n", prefix, records, elapsed.Round(time.Millisecond), greenText("OK!"))
		return
	}
	r.renderRolling()
}

func (r *reporter) Failed(prefix string, err error) {
	r.bumpTerminal()
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakRolling()
	fmt.Println(redText(" FAILED!"), grayText("exceeded number of attempts for"), prefix)
	fmt.Println(grayText("error message:"), err)
}

func (r *reporter) Skipped(prefix, why string) {
	if !r.verbose || r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Println(grayText(fmt.Sprintf("project %s %s, skipping", prefix, why)))
}

// MarkTerminal accounts prefixes that were already done or failed before
// this invocation started processing them.
func (r *reporter) MarkTerminal(n int) {
	r.mu.Lock()
	r.terminal += n
	r.mu.Unlock()
}

func (r *reporter) Finish(message string) {
	if r.quiet {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakRolling()
	fmt.Println(message)
}

func (r *reporter) bumpTerminal() {
	r.mu.Lock()
	r.terminal++
	r.mu.Unlock()
}

// renderRolling redraws the single indicator line in place; callers hold
// the mutex.
func (r *reporter) renderRolling() {
	if r.verbose {
		return
	}
	spin := spinnerFrames[r.frame%len(spinnerFrames)]
	r.frame++
	pct := 0.0
	if r.total > 0 {
		pct = float64(r.terminal) / float64(r.total)
	}
	fmt.Printf("\r\033[2K%s [%s] %s", magentaText(string(spin)), fmt.Sprintf("%.2f%%", pct*100), grayText(r.phase))
	r.rolling = true
}

// breakRolling moves off the indicator line before printing full lines;
// callers hold the mutex.
func (r *reporter) breakRolling() {
	if r.rolling {
		fmt.Print("\r\033[2K")
		r.rolling = false
	}
}
