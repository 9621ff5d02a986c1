// Package tlsutil loads and generates the PEM material the bridge serves
// HTTPS with.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoCertificates is returned when PEM input holds no certificate.
var ErrNoCertificates = errors.New("tls: no certificates in PEM")

// ServerConfig builds a server tls.Config from a PEM certificate chain and
// key. TLS 1.2 is the minimum accepted version.
func ServerConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, errors.New("tls: certificate and key are both required")
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tls: key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// LoadServerConfig reads certFile and keyFile and calls ServerConfig.
func LoadServerConfig(certFile, keyFile string) (*tls.Config, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read key: %w", err)
	}
	return ServerConfig(certPEM, keyPEM)
}

// CertPool returns a pool holding every certificate in pemData.
func CertPool(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, ErrNoCertificates
	}
	return pool, nil
}

// LoadCertPool reads path and calls CertPool.
func LoadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read ca: %w", err)
	}
	return CertPool(data)
}
