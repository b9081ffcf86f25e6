package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/foxzi/crmdispatch/internal/config"
)

// Setup resolves the API TLS settings. The returned config is nil when the
// API is served over plain HTTP; the manager is non-nil only for ACME.
func Setup(cfg config.TLSConfig) (*tls.Config, *ACMEManager, error) {
	if cfg.ACME.Enabled {
		m := NewACMEManager(cfg.ACME.Email, cfg.ACME.Domains, cfg.ACME.CacheDir)
		return m.TLSConfig(), m, nil
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		tlsConfig, err := LoadCertificate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return tlsConfig, nil, nil
	}

	return nil, nil, nil
}

// LoadCertificate loads TLS certificate from PEM files
func LoadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// CertificateInfo describes a manually configured certificate
type CertificateInfo struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	DNSNames []string
}

// GetCertificateInfo reads certificate info from a PEM file
func GetCertificateInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &CertificateInfo{
		Subject:  cert.Subject.CommonName,
		Issuer:   cert.Issuer.CommonName,
		NotAfter: cert.NotAfter,
		DaysLeft: int(time.Until(cert.NotAfter).Hours() / 24),
		DNSNames: cert.DNSNames,
	}, nil
}
