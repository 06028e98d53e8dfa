package ssh

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	xssh "golang.org/x/crypto/ssh"
)

func newKey(t *testing.T, dir, name string) xssh.PublicKey {
	t.Helper()
	priv := filepath.Join(dir, name)
	if _, err := GenerateEd25519Keypair(priv, name); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer.PublicKey()
}

func TestKnownHostsAppend(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	pub, err := GenerateEd25519Keypair(filepath.Join(dir, "id_ed25519"), "")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := AppendAuthorizedKey(kh, "example.com", pub); err != nil {
		t.Fatalf("append known host: %v", err)
	}
	b, err := os.ReadFile(kh)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected content in known_hosts")
	}
}

func TestKnownHostsCallback(t *testing.T) {
	dir := t.TempDir()
	kh := filepath.Join(dir, "known_hosts")
	key := newKey(t, dir, "host")
	other := newKey(t, dir, "other")
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}

	strict, err := LoadKnownHostsCallback(kh, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := strict("deploy.example:22", addr, key); err == nil {
		t.Fatalf("unknown host accepted without trust")
	}

	tofu, err := LoadKnownHostsCallback(kh, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := tofu("deploy.example:22", addr, key); err != nil {
		t.Fatalf("trust on first use: %v", err)
	}

	reloaded, err := LoadKnownHostsCallback(kh, true)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := reloaded("deploy.example:22", addr, key); err != nil {
		t.Fatalf("recorded key rejected: %v", err)
	}
	err = reloaded("deploy.example:22", addr, other)
	var keyErr *HostKeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("expected HostKeyError for changed key, got %v", err)
	}
}
