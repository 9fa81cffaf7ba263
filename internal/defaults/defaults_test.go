package defaults

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestListDefaults(t *testing.T) {
	files, err := ListDefaults()
	if err != nil {
		t.Fatalf("ListDefaults failed: %v", err)
	}

	expected := []string{"config.yaml", "sites/example.yaml"}
	if len(files) != len(expected) {
		t.Errorf("Expected %d files, got %d: %v", len(expected), len(files), files)
	}
	for _, exp := range expected {
		if !slices.Contains(files, exp) {
			t.Errorf("Expected file %s not found in %v", exp, files)
		}
	}
}

func TestGetDefault(t *testing.T) {
	content, err := GetDefault("config.yaml")
	if err != nil {
		t.Fatalf("GetDefault failed: %v", err)
	}
	if len(content) == 0 {
		t.Error("config.yaml content is empty")
	}
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("CHATBRIDGE_DATA_DIR", "/tmp/cb-test")
	dir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir failed: %v", err)
	}
	if dir != "/tmp/cb-test" {
		t.Errorf("Expected override dir, got %s", dir)
	}

	p, err := Path(SitesDir, "a.yaml")
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if p != filepath.Join("/tmp/cb-test", "sites", "a.yaml") {
		t.Errorf("unexpected path %s", p)
	}
}

func TestEnsureDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CHATBRIDGE_DATA_DIR", tmpDir)

	dir, err := EnsureDataDir()
	if err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); os.IsNotExist(err) {
		t.Error("config.yaml was not copied")
	}
	if _, err := os.Stat(filepath.Join(dir, "sites", "example.yaml")); os.IsNotExist(err) {
		t.Error("sites/example.yaml was not copied")
	}

	// Existing files are kept unless reset.
	custom := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(custom, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := EnsureDataDir(); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(custom); string(data) != "log:\n  level: debug\n" {
		t.Error("EnsureDataDir overwrote an existing file")
	}
	if err := Reset(dir); err != nil {
		t.Fatal(err)
	}
	if data, _ := os.ReadFile(custom); string(data) == "log:\n  level: debug\n" {
		t.Error("Reset kept the customized file")
	}
}
