package graphrelay

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticSecret(t *testing.T) {
	if got := StaticSecret("abc").ClientState(); got != "abc" {
		t.Fatalf("unexpected clientState %q", got)
	}
}

func TestFileSecretReadsInitialValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-state")
	if err := os.WriteFile(path, []byte("initial-secret\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	secret, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("NewFileSecret failed: %v", err)
	}
	defer secret.Close()

	if got := secret.ClientState(); got != "initial-secret" {
		t.Fatalf("unexpected clientState %q", got)
	}
}

func TestFileSecretRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-state")
	if err := os.WriteFile(path, []byte("old-secret"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	secret, err := NewFileSecret(path, nil)
	if err != nil {
		t.Fatalf("NewFileSecret failed: %v", err)
	}
	defer secret.Close()

	if err := os.WriteFile(path, []byte("new-secret"), 0o600); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if secret.ClientState() == "new-secret" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("secret not rotated, still %q", secret.ClientState())
}

func TestFileSecretRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client-state")
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := NewFileSecret(path, nil); err == nil {
		t.Fatalf("expected error for empty secret file")
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	if _, err := NewFileSecret(filepath.Join(t.TempDir(), "absent"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
