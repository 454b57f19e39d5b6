package security

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	dir := t.TempDir()

	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	cert, err := ca.IssueCertificate("node-1", nil, nil)
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if err := SaveCertToFile(cert, dir, "node"); err != nil {
		t.Fatalf("Failed to save certificate: %v", err)
	}

	keyInfo, err := os.Stat(filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	if keyInfo.Mode().Perm() != 0600 {
		t.Errorf("key permissions = %v, want 0600", keyInfo.Mode().Perm())
	}

	loaded, err := LoadKeyPair(filepath.Join(dir, "node.crt"), filepath.Join(dir, "node.key"))
	if err != nil {
		t.Fatalf("LoadKeyPair() error = %v", err)
	}
	if loaded.Leaf == nil {
		t.Fatal("Leaf should be populated")
	}
	if loaded.Leaf.Subject.CommonName != "node-1" {
		t.Errorf("CommonName = %q, want node-1", loaded.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACert(t *testing.T) {
	dir := t.TempDir()

	ca := NewCertAuthority()
	if err := ca.Initialize(); err != nil {
		t.Fatal(err)
	}

	if err := SaveCACertToFile(ca.RootCert().Raw, dir); err != nil {
		t.Fatalf("SaveCACertToFile() error = %v", err)
	}

	caCert, err := LoadCACertFromFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatalf("LoadCACertFromFile() error = %v", err)
	}
	if !caCert.Equal(ca.RootCert()) {
		t.Error("loaded CA certificate differs")
	}

	pool, err := LoadCertPool(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatalf("LoadCertPool() error = %v", err)
	}
	if pool == nil {
		t.Fatal("pool should not be nil")
	}
}

func TestLoadCertPoolInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertPool(path); err == nil {
		t.Error("LoadCertPool() should reject a file without certificates")
	}
	if _, err := LoadCACertFromFile(path); err == nil {
		t.Error("LoadCACertFromFile() should reject a file without certificates")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name string
		cert *x509.Certificate
		want bool
	}{
		{"nil", nil, true},
		{"fresh", &x509.Certificate{NotAfter: time.Now().Add(60 * 24 * time.Hour)}, false},
		{"expiring", &x509.Certificate{NotAfter: time.Now().Add(10 * 24 * time.Hour)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CertNeedsRotation(tt.cert); got != tt.want {
				t.Errorf("CertNeedsRotation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateCertChainNil(t *testing.T) {
	if err := ValidateCertChain(nil, &x509.Certificate{}); err == nil {
		t.Error("expected error for nil certificate")
	}
	if err := ValidateCertChain(&x509.Certificate{}, nil); err == nil {
		t.Error("expected error for nil CA")
	}
}
