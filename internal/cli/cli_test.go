package cli

import (
	"strings"
	"testing"

	"taxid2wgs/internal/model"
	"taxid2wgs/internal/pipeline"
)

func TestRun_UnknownCommand(t *testing.T) {
	err := Run([]string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("err = %v", err)
	}
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	if err := Run(nil); err != nil {
		t.Fatalf("err = %v", err)
	}
}

func TestPipelineCommands_RequireTaxid(t *testing.T) {
	for _, cmd := range []string{"run", "download", "parse", "status", "reset"} {
		if err := Run([]string{cmd}); err == nil || !strings.Contains(err.Error(), "--taxid is required") {
			t.Errorf("%s without --taxid: err = %v", cmd, err)
		}
	}
}

func TestStatusText(t *testing.T) {
	rep := pipeline.StatusReport{
		ManifestKey: "WGS4taxid1386",
		RunDir:      "runs/WGS4taxid1386",
		OutputPath:  "WGS4taxid1386.fa",
		OutputBytes: 2048,
		Manifest: model.RunManifest{
			Mode:  "normal",
			Total: 4, Done: 2, Failed: 1, Pending: 1,
		},
		Rows: []pipeline.StatusRow{
			{Prefix: "AAAA01", State: "done", RecordCount: 10},
			{Prefix: "BBBB02", State: "failed", Attempts: 5, LastError: "archive returned 502 Bad Gateway"},
		},
		ActiveDownload: true,
	}

	out := statusText(rep)
	for _, want := range []string{
		"WGS4taxid1386 [normal]",
		"4 total, 2 done, 1 failed",
		"1 pending",
		"2.0 KiB",
		"failed BBBB02 after 5 attempts: archive returned 502 Bad Gateway",
		"active instances: download=true parse=false",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("statusText missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "AAAA01") {
		t.Error("done rows should not be listed individually")
	}
}

func TestFormatBytesIEC(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024, "3.0 GiB"},
	}
	for _, c := range cases {
		if got := formatBytesIEC(c.in); got != c.want {
			t.Errorf("formatBytesIEC(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestBuildVersion(t *testing.T) {
	version, _ := buildVersion()
	if version == "" {
		t.Fatal("empty version")
	}
}
