package cmd

import (
	"crypto/tls"
	"fmt"
	"os"

	"github.com/fcchbjm/quictun/internal/tunerr"
)

// loadCertificate returns the server certificate with its key.  Errors are
// configuration errors.
func loadCertificate(certPath, keyPath string) (cert *tls.Certificate, err error) {
	c, err := loadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, tunerr.Configuration(fmt.Errorf("loading tls cert: %w", err))
	}

	return &c, nil
}

// loadX509KeyPair reads and parses a public/private key pair from a pair of
// files.  The files must contain PEM encoded data.  The certificate file may
// contain intermediate certificates following the leaf certificate to form a
// certificate chain.  On successful return, Certificate.Leaf will be nil
// because the parsed form of the certificate is not retained.
func loadX509KeyPair(certFile, keyFile string) (crt tls.Certificate, err error) {
	// #nosec G304 -- Trust the file path that is given in the configuration.
	certPEMBlock, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	// #nosec G304 -- Trust the file path that is given in the configuration.
	keyPEMBlock, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}
