package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Leaf certificates are reissued once less than this remains
const certRotationThreshold = 30 * 24 * time.Hour

const (
	pemCertificate = "CERTIFICATE"
	pemPrivateKey  = "PRIVATE KEY"
)

// SaveCertToFile writes <name>.crt and <name>.key into certDir
func SaveCertToFile(cert *tls.Certificate, certDir, name string) error {
	if len(cert.Certificate) == 0 {
		return fmt.Errorf("certificate %s is empty", name)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	if err := writePEM(certDir, name+".crt", pemCertificate, cert.Certificate[0], 0644); err != nil {
		return err
	}
	return writePEM(certDir, name+".key", pemPrivateKey, keyDER, 0600)
}

// SaveCACertToFile writes ca.crt into certDir
func SaveCACertToFile(caCert []byte, certDir string) error {
	return writePEM(certDir, caCertFile, pemCertificate, caCert, 0644)
}

// LoadKeyPair loads a TLS certificate with its Leaf populated
func LoadKeyPair(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate %s: %w", certPath, err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse certificate %s: %w", certPath, err)
		}
	}
	return &cert, nil
}

// LoadCACertFromFile loads the first certificate of a PEM file
func LoadCACertFromFile(path string) (*x509.Certificate, error) {
	der, err := readPEM(path, pemCertificate)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate %s: %w", path, err)
	}
	return caCert, nil
}

// LoadCertPool builds a pool from every certificate of a PEM bundle
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// CertNeedsRotation reports whether cert is missing or close to expiry
func CertNeedsRotation(cert *x509.Certificate) bool {
	return cert == nil || time.Until(cert.NotAfter) < certRotationThreshold
}

// ValidateCertChain checks that ca signed cert for client or server use
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil || ca == nil {
		return fmt.Errorf("certificate and CA are required")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return fmt.Errorf("certificate %q verification failed: %w", cert.Subject.CommonName, err)
	}
	return nil
}

func writePEM(dir, name, typ string, der []byte, mode os.FileMode) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(filepath.Join(dir, name), data, mode); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// readPEM returns the first block of path, which must be of type typ
func readPEM(path, typ string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != typ {
		return nil, fmt.Errorf("%s: no %s PEM block", path, typ)
	}
	return block.Bytes, nil
}
