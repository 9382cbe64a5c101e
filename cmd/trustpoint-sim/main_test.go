package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCA(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ca")

	first, err := loadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("loadOrCreateCA() error: %v", err)
	}
	for _, name := range []string{caCertFile, caKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}

	second, err := loadOrCreateCA(dir)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if !first.Certificate.Equal(second.Certificate) {
		t.Error("reloaded CA certificate differs")
	}
	if !first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("reloaded CA key differs")
	}
}

func TestLoadOrCreateCA_Ephemeral(t *testing.T) {
	a, err := loadOrCreateCA("")
	if err != nil {
		t.Fatalf("loadOrCreateCA() error: %v", err)
	}
	b, err := loadOrCreateCA("")
	if err != nil {
		t.Fatalf("loadOrCreateCA() error: %v", err)
	}
	if a.Certificate.Equal(b.Certificate) {
		t.Error("ephemeral CAs should differ")
	}
}

func TestLoadOrCreateCA_BadKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadOrCreateCA(dir); err != nil {
		t.Fatalf("loadOrCreateCA() error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadOrCreateCA(dir); err == nil {
		t.Error("expected error for corrupt key")
	}
}
