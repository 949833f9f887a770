package certs

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureCertificateGeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()

	cert, err := EnsureCertificate(dir, "agent.local", []net.IP{net.ParseIP("192.0.2.10")}, nil)
	if err != nil {
		t.Fatalf("EnsureCertificate: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatalf("expected a certificate chain")
	}

	if _, err := EnsureCertificate(dir, "agent.local", nil, nil); err != nil {
		t.Fatalf("EnsureCertificate (reload): %v", err)
	}
}

func TestEnsureCertificateWritesFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := EnsureCertificate(dir, "agent.local", nil, nil); err != nil {
		t.Fatalf("EnsureCertificate: %v", err)
	}
	for _, name := range []string{certFilename, keyFilename} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
}

func TestExternalIPv4ReturnsSomething(t *testing.T) {
	ip, err := ExternalIPv4()
	if err != nil {
		t.Skipf("no route to determine external IPv4 in this sandbox: %v", err)
	}
	if ip == nil {
		t.Fatalf("expected a non-nil IP")
	}
}
