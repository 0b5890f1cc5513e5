package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadProfile_Batch(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "batch", `
name: batch
max_parallel: 8
retry:
  max_retries: 3
  wait_seconds: 2.5
workers:
  default:
    url: ws://workers.internal:8080/launch
`)

	p, err := LoadProfile(dir, "batch")
	if err != nil {
		t.Fatalf("LoadProfile(batch): %v", err)
	}
	if p.MaxParallel != 8 {
		t.Errorf("expected max_parallel 8, got %d", p.MaxParallel)
	}
	if p.Retry.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", p.Retry.MaxRetries)
	}
	if p.Retry.WaitSeconds != 2.5 {
		t.Errorf("expected 2.5s wait, got %v", p.Retry.WaitSeconds)
	}
}

func TestLoadProfile_NameDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "interactive", `
retry:
  max_retries: 0
`)

	p, err := LoadProfile(dir, "interactive")
	if err != nil {
		t.Fatalf("LoadProfile(interactive): %v", err)
	}
	if p.Name != "interactive" {
		t.Errorf("expected name from filename, got %q", p.Name)
	}
}

func TestLoadProfile_Missing(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "nope"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "batch", "name: batch\n")
	writeProfile(t, dir, "interactive", "name: interactive\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Errorf("expected 2 profiles, got %d", len(profiles))
	}
	for name, p := range profiles {
		if p.Name != name {
			t.Errorf("profile %s has name %q", name, p.Name)
		}
	}
}

func TestWorkerURL(t *testing.T) {
	p := &ExecutionProfile{
		Workers: map[string]Worker{
			"default": {URL: "ws://fallback:8080/launch"},
			"extract": {URL: "ws://gpu-pool:8080/launch"},
		},
	}

	if url, ok := p.WorkerURL("extract"); !ok || url != "ws://gpu-pool:8080/launch" {
		t.Errorf("expected step-specific worker, got %q", url)
	}
	if url, ok := p.WorkerURL("transform"); !ok || url != "ws://fallback:8080/launch" {
		t.Errorf("expected default worker, got %q", url)
	}

	empty := &ExecutionProfile{}
	if _, ok := empty.WorkerURL("extract"); ok {
		t.Error("expected no worker for empty profile")
	}
}
