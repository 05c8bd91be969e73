package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudir/cloudir/internal/core"
)

func setupStore(t *testing.T) (*Store, *core.Engine) {
	t.Helper()
	dir := t.TempDir()
	eng, err := core.Open(dir, "error")
	if err != nil {
		t.Fatalf("opening engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return NewStore(eng.MetadataDB, dir, eng.Ledger.UUID), eng
}

func TestStoreAdd(t *testing.T) {
	store, _ := setupStore(t)

	content := []byte("root:x:0:0:root:/root:/bin/bash\n")
	rec, err := store.Add(AddInput{
		InstanceID: "i-0001",
		Name:       "passwd_copy.txt",
		SourceURI:  "s3://evidence/i-0001/passwd_copy.txt",
		Content:    content,
		CreatedBy:  "test",
	})
	if err != nil {
		t.Fatalf("adding evidence: %v", err)
	}

	if rec.UUID == "" {
		t.Error("expected non-empty UUID")
	}
	if rec.ByteSize != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), rec.ByteSize)
	}
	h := sha256.Sum256(content)
	if want := hex.EncodeToString(h[:]); rec.ContentHash != want {
		t.Errorf("expected hash %s, got %s", want, rec.ContentHash)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), rec.ContentHash)); err != nil {
		t.Errorf("expected evidence file on disk: %v", err)
	}
}

func TestStoreDeduplicatesContent(t *testing.T) {
	store, _ := setupStore(t)

	content := []byte("same bytes")
	a, err := store.Add(AddInput{InstanceID: "i-0001", Name: "a.txt", SourceURI: "s3://b/a", Content: content})
	if err != nil {
		t.Fatal(err)
	}
	b, err := store.Add(AddInput{InstanceID: "i-0002", Name: "b.txt", SourceURI: "s3://b/b", Content: content})
	if err != nil {
		t.Fatal(err)
	}
	if a.UUID == b.UUID {
		t.Error("expected distinct records")
	}
	if a.StoragePath != b.StoragePath {
		t.Errorf("expected shared storage path, got %s and %s", a.StoragePath, b.StoragePath)
	}
	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 1 {
		t.Errorf("expected 1 file on disk, got %d", len(entries))
	}
}

func TestStoreGetAndRead(t *testing.T) {
	store, _ := setupStore(t)

	content := []byte("Linux version 6.1.0")
	rec, _ := store.Add(AddInput{InstanceID: "i-0001", Name: "kernel_version.txt", SourceURI: "s3://b/k", Content: content})

	got, err := store.Get(rec.UUID[:8])
	if err != nil {
		t.Fatalf("get by prefix: %v", err)
	}
	if got.UUID != rec.UUID || got.Name != "kernel_version.txt" {
		t.Errorf("unexpected record %+v", got)
	}
	data, err := store.Read(got)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != string(content) {
		t.Errorf("content mismatch: %q", data)
	}

	if _, err := store.Get("does-not-exist"); err == nil {
		t.Error("expected error for unknown id")
	}
}

func TestStoreListFilters(t *testing.T) {
	store, _ := setupStore(t)

	run := "run-1"
	store.Add(AddInput{InstanceID: "i-0001", Name: "a.txt", SourceURI: "s3://b/a", Content: []byte("a"), RunUUID: &run})
	store.Add(AddInput{InstanceID: "i-0001", Name: "b.txt", SourceURI: "s3://b/b", Content: []byte("b")})
	store.Add(AddInput{InstanceID: "i-0002", Name: "c.txt", SourceURI: "s3://b/c", Content: []byte("c"), IsPlaceholder: true})

	tests := []struct {
		instance, run string
		want          int
	}{
		{"", "", 3},
		{"i-0001", "", 2},
		{"i-0002", "", 1},
		{"", run, 1},
		{"i-0009", "", 0},
	}
	for _, tt := range tests {
		recs, err := store.List(tt.instance, tt.run)
		if err != nil {
			t.Fatalf("list(%q,%q): %v", tt.instance, tt.run, err)
		}
		if len(recs) != tt.want {
			t.Errorf("list(%q,%q): expected %d, got %d", tt.instance, tt.run, tt.want, len(recs))
		}
	}

	recs, _ := store.List("i-0002", "")
	if len(recs) == 1 && !recs[0].IsPlaceholder {
		t.Error("expected placeholder flag to round-trip")
	}
}

func TestStoreVerifyIntegrity(t *testing.T) {
	store, _ := setupStore(t)

	store.Add(AddInput{InstanceID: "i-0001", Name: "good.txt", SourceURI: "s3://b/g", Content: []byte("good")})
	bad, _ := store.Add(AddInput{InstanceID: "i-0001", Name: "bad.txt", SourceURI: "s3://b/x", Content: []byte("original")})

	if err := os.WriteFile(filepath.Join(store.Dir(), bad.StoragePath), []byte("tampered"), 0600); err != nil {
		t.Fatal(err)
	}

	valid, invalid, err := store.VerifyIntegrity()
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if valid != 1 {
		t.Errorf("expected 1 valid, got %d", valid)
	}
	if len(invalid) != 1 {
		t.Errorf("expected 1 invalid, got %v", invalid)
	}
}
