package model

import "fmt"

// RunManifest is the run-level record identifying one include/exclude
// taxid pair and its output artifact. One manifest per run directory.
type RunManifest struct {
	SchemaVersion int    `json:"schema_version"`
	IncludeTaxid  string `json:"include_taxid"`
	ExcludeTaxid  string `json:"exclude_taxid,omitempty"`
	Mode          string `json:"mode"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at,omitempty"`

	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Downloading int `json:"downloading"`
	Downloaded  int `json:"downloaded"`
	Parsing     int `json:"parsing"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
}

// ProjectRecord is the resume checkpoint for one WGS project accession
// prefix. Records are created when a prefix is first seen in the catalog
// and never deleted.
type ProjectRecord struct {
	Prefix        string `json:"prefix"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts,omitempty"`
	BytesExpected int64  `json:"bytes_expected,omitempty"`
	BytesReceived int64  `json:"bytes_received,omitempty"`
	OutputOffset  int64  `json:"output_offset,omitempty"`
	RecordCount   int64  `json:"record_count,omitempty"`
	Reason        string `json:"reason,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

// ManifestKey derives the stable identity for an include/exclude taxid
// pair. It doubles as the output file base name and the run directory
// name, so reopening the same pair always resumes the same manifest.
func ManifestKey(includeTaxid, excludeTaxid string) string {
	if excludeTaxid != "" {
		return fmt.Sprintf("WGS4taxid%s-%s", includeTaxid, excludeTaxid)
	}
	return "WGS4taxid" + includeTaxid
}

// OutputFileName is the merged FASTA artifact name for a manifest key.
func OutputFileName(includeTaxid, excludeTaxid string) string {
	return ManifestKey(includeTaxid, excludeTaxid) + ".fa"
}

// RecomputeCounts refreshes the per-state totals on the manifest from the
// full record set.
func RecomputeCounts(mf *RunManifest, records map[string]ProjectRecord) {
	mf.Total = len(records)
	mf.Pending = 0
	mf.Downloading = 0
	mf.Downloaded = 0
	mf.Parsing = 0
	mf.Done = 0
	mf.Failed = 0
	for _, rec := range records {
		switch rec.State {
		case StatePending:
			mf.Pending++
		case StateDownloading:
			mf.Downloading++
		case StateDownloaded:
			mf.Downloaded++
		case StateParsing:
			mf.Parsing++
		case StateDone:
			mf.Done++
		case StateFailed:
			mf.Failed++
		}
	}
}
