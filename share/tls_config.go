package share

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSMaterial names the certificate files needed to build a *tls.Config
// for either side of the tunnel (spec.md §6: "TLS material... is an
// external collaborator consumed in prepared form, not generated here").
type TLSMaterial struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// ServerTLSConfig builds a *tls.Config suitable for HTTPServer.
// ListenAndServe from m. CAFile is optional; when present, client
// certificates are required and verified against it (mutual TLS),
// matching the source's create_ssl_context contract.
func ServerTLSConfig(m TLSMaterial) (*tls.Config, error) {
	if m.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}
	cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	if m.CAFile != "" {
		pool, err := loadCertPool(m.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLSConfig builds a *tls.Config suitable for the http.Transport
// used by LocalTunnelProtocol. CAFile is optional; when present, it
// replaces the system root pool for verifying the server's certificate.
// CertFile/KeyFile are optional; when present, the client presents a
// certificate for mutual TLS.
func ClientTLSConfig(m TLSMaterial) (*tls.Config, error) {
	if m.CAFile == "" && m.CertFile == "" {
		return nil, nil
	}
	cfg := &tls.Config{}
	if m.CAFile != "" {
		pool, err := loadCertPool(m.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if m.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(m.CertFile, m.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA file %q: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA file %q", caFile)
	}
	return pool, nil
}
