// Package catalog resolves a taxonomic subtree to the ordered set of WGS
// project accession prefixes that belong to it, via the NCBI taxid2wgs
// lookup endpoint. The resolved set is cached in the run directory and
// reused across resumes: taxonomic membership does not change within a
// run.
package catalog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"taxid2wgs/internal/runstore"
)

const (
	cacheFileName = "catalog.json"
	vdbPrefix     = "WGS_VDB://"
)

// ResolutionError is fatal: it aborts a run before any archive I/O.
type ResolutionError struct {
	Taxid string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve taxid %s: %v", e.Taxid, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Resolve queries the lookup service for every WGS project prefix under
// includeTaxid, minus the subtree under excludeTaxid when set. Prefixes
// come back sorted ascending.
func (c *Client) Resolve(ctx context.Context, includeTaxid, excludeTaxid string) ([]string, error) {
	if strings.TrimSpace(includeTaxid) == "" {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: errors.New("include taxid is required")}
	}

	endpoint := fmt.Sprintf("%s/taxid2wgs.cgi?INCLUDE_TAXIDS=%s&EXCLUDE_TAXIDS=%s",
		strings.TrimRight(c.BaseURL, "/"),
		url.QueryEscape(includeTaxid), url.QueryEscape(excludeTaxid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: err}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: fmt.Errorf("lookup service returned %s", resp.Status)}
	}

	var prefixes []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		prefixes = append(prefixes, strings.TrimPrefix(line, vdbPrefix))
	}
	if err := sc.Err(); err != nil {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: err}
	}
	if len(prefixes) == 0 {
		return nil, &ResolutionError{Taxid: includeTaxid, Err: errors.New("no WGS projects found (unknown taxid?)")}
	}

	sort.Strings(prefixes)
	return prefixes, nil
}

type cacheFile struct {
	IncludeTaxid string   `json:"include_taxid"`
	ExcludeTaxid string   `json:"exclude_taxid,omitempty"`
	ResolvedAt   string   `json:"resolved_at"`
	Prefixes     []string `json:"prefixes"`
}

// LoadCached returns the cached prefix set for a run directory, or false
// when no (or a foreign) cache exists.
func LoadCached(runDir, includeTaxid, excludeTaxid string) ([]string, bool) {
	var cached cacheFile
	if err := runstore.ReadJSON(filepath.Join(runDir, cacheFileName), &cached); err != nil {
		return nil, false
	}
	if cached.IncludeTaxid != includeTaxid || cached.ExcludeTaxid != excludeTaxid {
		return nil, false
	}
	return cached.Prefixes, len(cached.Prefixes) > 0
}

func SaveCache(runDir, includeTaxid, excludeTaxid string, prefixes []string) error {
	return runstore.WriteJSON(filepath.Join(runDir, cacheFileName), cacheFile{
		IncludeTaxid: includeTaxid,
		ExcludeTaxid: excludeTaxid,
		ResolvedAt:   time.Now().UTC().Format(time.RFC3339),
		Prefixes:     prefixes,
	})
}

// DropCache removes the per-run catalog cache; used by force mode.
func DropCache(runDir string) error {
	err := os.Remove(filepath.Join(runDir, cacheFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
