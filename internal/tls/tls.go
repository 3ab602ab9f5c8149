// Package tls builds TLS configurations for the STARTTLS upgrade and
// generates throwaway certificates for local test servers.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
)

// ClientOptions adjusts server certificate verification.
type ClientOptions struct {
	// InsecureSkipVerify disables certificate verification entirely.
	InsecureSkipVerify bool

	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string
}

// ClientConfig returns the configuration used to upgrade a connection to
// serverName.
func ClientConfig(serverName string, opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, // #nosec G402 -- opt-in via settings
	}

	if opts.CAFile == "" {
		return cfg, nil
	}

	pemData, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read CA file")
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, errors.Errorf("no certificates found in CA file %s", opts.CAFile)
	}
	cfg.RootCAs = pool

	return cfg, nil
}

// GenerateSelfSignedCert generates an in-memory ECDSA P-256 self-signed
// certificate valid for one day, for localhost and 127.0.0.1. It returns the
// key pair and the PEM-encoded certificate so that clients can trust it.
func GenerateSelfSignedCert() (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to generate ECDSA key")
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to generate serial number")
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: "localhost",
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),

		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,

		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to create certificate")
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to marshal private key")
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to create X509 key pair")
	}

	return cert, certPEM, nil
}

// ServerConfig wraps cert for a server that offers STARTTLS.
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
