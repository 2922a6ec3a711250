package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sorphin/ruida-laser/internal"
)

func writePlan(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadSendPlanYAML(t *testing.T) {
	path := writePlan(t, "plan.yaml", `
version: 1
device_addr: 10.0.0.5
params:
  mtu: 980
  ack_timeout_ms: 1500
jobs:
  - path: first.rd
  - path: second.rd
    pause_after_ms: 250
`)

	doc, err := loadSendPlanDocument(path)
	if err != nil {
		t.Fatalf("loadSendPlanDocument: %v", err)
	}
	if doc.DeviceAddr != "10.0.0.5" {
		t.Fatalf("device_addr = %q", doc.DeviceAddr)
	}
	if doc.Params == nil || doc.Params.MTU == nil || *doc.Params.MTU != 980 {
		t.Fatalf("params not parsed: %+v", doc.Params)
	}
	if len(doc.Jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(doc.Jobs))
	}
	if doc.Jobs[1].Path != "second.rd" || doc.Jobs[1].PauseAfterMs != 250 {
		t.Fatalf("job 2 = %+v", doc.Jobs[1])
	}
}

func TestLoadSendPlanJSON(t *testing.T) {
	path := writePlan(t, "plan.json", `{
  "device_addr": "10.0.0.9",
  "jobs": [{"path": "job.rd"}]
}`)

	doc, err := loadSendPlanDocument(path)
	if err != nil {
		t.Fatalf("loadSendPlanDocument: %v", err)
	}
	// version is optional and defaults to 1
	if doc.Version != 1 {
		t.Fatalf("version = %d, want 1", doc.Version)
	}
	if doc.Jobs[0].Path != "job.rd" {
		t.Fatalf("job path = %q", doc.Jobs[0].Path)
	}
}

func TestLoadSendPlanRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
		want string
	}{
		{"future version", "plan.yaml", "version: 2\njobs:\n  - path: a.rd\n", "unsupported plan version"},
		{"no jobs", "plan.yaml", "version: 1\njobs: []\n", "no jobs"},
		{"blank path", "plan.yaml", "jobs:\n  - path: \"  \"\n", "missing path"},
		{"negative pause", "plan.yaml", "jobs:\n  - path: a.rd\n    pause_after_ms: -5\n", "negative pause_after_ms"},
		{"malformed yaml", "plan.yaml", "jobs: [what\n", "parse plan file"},
		{"malformed json", "plan.json", "{", "parse plan file"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadSendPlanDocument(writePlan(t, tc.file, tc.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestApplyPlanParamsOverridesOnlySetFields(t *testing.T) {
	cfg := internal.SenderConfig{
		DevicePort:   50200,
		MTU:          1470,
		AckTimeoutMs: 3000,
	}
	mtu := 500
	applyPlanParams(&cfg, &planParams{MTU: &mtu})

	if cfg.MTU != 500 {
		t.Fatalf("MTU = %d, want 500", cfg.MTU)
	}
	if cfg.AckTimeoutMs != 3000 || cfg.DevicePort != 50200 {
		t.Fatal("unset plan params must leave the config alone")
	}

	// nil params is a no-op
	applyPlanParams(&cfg, nil)
	if cfg.MTU != 500 {
		t.Fatal("nil params must not touch the config")
	}
}
