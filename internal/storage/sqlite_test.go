package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "shopsync/pkg/logx"
)

func TestSQLiteRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, ok, err := st.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}

	if err := st.Put(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(ctx, "k", []byte("v2")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok, err := st.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v2" {
		t.Fatalf("get = %q ok=%v err=%v, want v2", got, ok, err)
	}

	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "k"); ok {
		t.Fatal("key still present after delete")
	}
	// Deleting a missing key is not an error.
	if err := st.Delete(ctx, "k"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Values must survive reopen.
	st2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if err := st2.Put(ctx, "persist", []byte("yes")); err != nil {
		t.Fatalf("put after reopen: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	val := []byte("abc")
	if err := m.Put(ctx, "k", val); err != nil {
		t.Fatalf("put: %v", err)
	}
	val[0] = 'x'

	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(got) != "abc" {
		t.Fatalf("stored value aliased caller slice: %q", got)
	}
}
