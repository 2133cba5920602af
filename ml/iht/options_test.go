package iht

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOptionsFromYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "iht.yaml")
	body := []byte("maxiter: 50\nmaxbacktrack: 10\ntol: 1e-5\ndebias: true\nparallel: false\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOptions(path)
	if err != nil {
		t.Fatal(err)
	}
	if o.MaxIter != 50 || o.MaxBacktrack != 10 || o.Tol != 1e-5 || !o.Debias || o.Parallel {
		t.Fatalf("loaded options mismatch: %+v", o)
	}
}

func TestLoadOptionsRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("tol: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptions(path); err == nil {
		t.Fatal("negative tol should fail")
	}
	if _, err := LoadOptions(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("missing file should fail")
	}
}

func TestInitAndCurrentOptions(t *testing.T) {
	// 未Init时给内置默认
	o := CurrentOptions()
	if o.MaxIter != 200 || o.Tol != 1e-4 || o.MaxBacktrack != 3 {
		t.Fatalf("builtin defaults mismatch: %+v", o)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "iht.yaml")
	if err := os.WriteFile(path, []byte("maxiter: 77\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitOptions(path); err != nil {
		t.Fatal(err)
	}
	if CurrentOptions().MaxIter != 77 {
		t.Fatalf("hot-reloaded maxiter=%d", CurrentOptions().MaxIter)
	}
}
