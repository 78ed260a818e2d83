// Package identity supplies the workload certificate used to authenticate
// HBONE tunnels, and the TLS configurations built from it.
package identity

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
)

// CertificateProvider issues the proxy's workload certificate and the roots
// used to verify peers.
type CertificateProvider interface {
	FetchCertificate(ctx context.Context) (*tls.Certificate, error)
	Roots() *x509.CertPool
}

// FileProvider loads a certificate, key and CA bundle from PEM files.
// Rotate re-reads them; in-flight handshakes keep the previous pair.
type FileProvider struct {
	certFile string
	keyFile  string
	caFile   string

	mu    sync.RWMutex
	cert  *tls.Certificate
	roots *x509.CertPool
}

// NewFileProvider loads the files once and fails if any is unreadable.
func NewFileProvider(certFile, keyFile, caFile string) (*FileProvider, error) {
	if certFile == "" || keyFile == "" || caFile == "" {
		return nil, errors.New("identity: cert, key and ca files are all required")
	}
	p := &FileProvider{certFile: certFile, keyFile: keyFile, caFile: caFile}
	if err := p.Rotate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Rotate reloads the certificate pair and CA bundle.
func (p *FileProvider) Rotate() error {
	cert, err := tls.LoadX509KeyPair(p.certFile, p.keyFile)
	if err != nil {
		return fmt.Errorf("identity: load key pair: %w", err)
	}

	pem, err := os.ReadFile(p.caFile)
	if err != nil {
		return fmt.Errorf("identity: read ca: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return fmt.Errorf("identity: no certificates in %s", p.caFile)
	}

	p.mu.Lock()
	p.cert = &cert
	p.roots = roots
	p.mu.Unlock()
	return nil
}

// FetchCertificate implements CertificateProvider.
func (p *FileProvider) FetchCertificate(_ context.Context) (*tls.Certificate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cert, nil
}

// Roots implements CertificateProvider.
func (p *FileProvider) Roots() *x509.CertPool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roots
}
