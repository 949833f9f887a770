// Package certs generates and persists the self-signed TLS certificate the
// agent presents on its HTTPS RPC listener.
package certs

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFilename = "cert.pem"
	keyFilename  = "key.pem"
	validFor     = 10 * 365 * 24 * time.Hour
)

// EnsureCertificate loads cert.pem/key.pem from dir, generating and writing
// a fresh self-signed pair first if either is missing. commonName is
// typically the host's own name; extraIPs/extraDNS are folded into the
// certificate's SAN list alongside 127.0.0.1 and commonName.
func EnsureCertificate(dir, commonName string, extraIPs []net.IP, extraDNS []string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, certFilename)
	keyPath := filepath.Join(dir, keyFilename)

	if _, err := os.Stat(certPath); err != nil {
		if !os.IsNotExist(err) {
			return tls.Certificate{}, fmt.Errorf("certs: stat %s: %w", certPath, err)
		}
		if err := generate(certPath, keyPath, commonName, extraIPs, extraDNS); err != nil {
			return tls.Certificate{}, err
		}
	} else if _, err := os.Stat(keyPath); err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: %s present but %s missing: %w", certPath, keyPath, err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: load keypair: %w", err)
	}
	return cert, nil
}

func generate(certPath, keyPath, commonName string, extraIPs []net.IP, extraDNS []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("certs: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("certs: generate serial: %w", err)
	}

	ips := append([]net.IP{net.ParseIP("127.0.0.1")}, extraIPs...)
	dns := append([]string{commonName}, extraDNS...)

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
		DNSNames:              dedupeStrings(dns),
		IPAddresses:           ips,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return fmt.Errorf("certs: create certificate: %w", err)
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("certs: marshal private key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", derBytes, 0o644); err != nil {
		return err
	}
	if err := writePEM(keyPath, "PRIVATE KEY", keyBytes, 0o600); err != nil {
		return err
	}

	slog.Info("certs.generate: wrote self-signed certificate", "commonName", commonName, "sans", dns, "certPath", certPath)
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("certs: open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}

func dedupeStrings(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ExternalIPv4 discovers the host's externally observable IPv4 address by
// opening a UDP socket to a public address and reading the local endpoint
// the kernel chose. No packets need to actually be delivered.
func ExternalIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("certs: determine external IPv4: %w", err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	return addr.IP, nil
}
