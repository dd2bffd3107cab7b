// Package quictuntest contains test helpers shared by the packages of this
// module.
package quictuntest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Certificate is a self-signed certificate with its key.
type Certificate struct {
	// TLS is the certificate ready for a server.
	TLS tls.Certificate

	// Leaf is the parsed certificate.
	Leaf *x509.Certificate

	// CertPEM is the PEM-encoded certificate.
	CertPEM []byte

	// KeyPEM is the PEM-encoded private key.
	KeyPEM []byte

	// key is the private key, kept for reissuing.
	key *ecdsa.PrivateKey
}

// NewCertificate returns a new self-signed certificate for dnsNames.
func NewCertificate(tb testing.TB, dnsNames ...string) (c *Certificate) {
	tb.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(tb, err)

	return newCertificate(tb, key, dnsNames)
}

// Reissue returns a new self-signed certificate for dnsNames with the key of
// c.
func (c *Certificate) Reissue(tb testing.TB, dnsNames ...string) (reissued *Certificate) {
	tb.Helper()

	return newCertificate(tb, c.key, dnsNames)
}

// newCertificate returns a self-signed certificate for dnsNames signed by key.
func newCertificate(tb testing.TB, key *ecdsa.PrivateKey, dnsNames []string) (c *Certificate) {
	tb.Helper()

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	require.NoError(tb, err)

	notBefore := time.Now().Add(-time.Hour)
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"quictun tests"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(5 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(tb, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(tb, err)

	c = &Certificate{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
		key:     key,
	}

	c.TLS, err = tls.X509KeyPair(c.CertPEM, c.KeyPEM)
	require.NoError(tb, err)

	c.Leaf, err = x509.ParseCertificate(der)
	require.NoError(tb, err)

	return c
}

// WriteFiles writes the certificate and the key of c into a temporary
// directory and returns their paths.
func (c *Certificate) WriteFiles(tb testing.TB) (certPath, keyPath string) {
	tb.Helper()

	dir := tb.TempDir()
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	require.NoError(tb, os.WriteFile(certPath, c.CertPEM, 0o600))
	require.NoError(tb, os.WriteFile(keyPath, c.KeyPEM, 0o600))

	return certPath, keyPath
}
