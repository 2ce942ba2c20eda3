// Copyright 2026 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package starttls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Validity of generated certificates.
const (
	caValidity   = 10 * 365 * 24 * time.Hour
	hostValidity = 365 * 24 * time.Hour
)

// Files is the certificate layout of a host inside the certificate
// directory.
type Files struct {
	Cert, Key     string
	CACert, CAKey string
}

// Layout returns the certificate files of host in dir.
func Layout(dir, host string) Files {
	return Files{
		Cert:   filepath.Join(dir, host+"_cert.pem"),
		Key:    filepath.Join(dir, host+"_key.pem"),
		CACert: filepath.Join(dir, "ca_cert.pem"),
		CAKey:  filepath.Join(dir, "ca_key.pem"),
	}
}

// LoadCertificate loads the certificate of host and the pool of trusted
// authorities from dir.
// If the host certificate is missing it is issued by the CA in dir, and the CA
// is created first if it is missing as well. The issued certificate is valid
// for host and for every name in extra.
func LoadCertificate(dir, host string, extra []string, logger *zap.Logger) (tls.Certificate, *x509.CertPool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files := Layout(dir, host)

	if !exists(files.Cert) || !exists(files.Key) {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return tls.Certificate{}, nil, err
		}
		caCert, caKey, err := loadOrCreateCA(files, logger)
		if err != nil {
			return tls.Certificate{}, nil, err
		}
		if err := issue(files, caCert, caKey, append([]string{host}, extra...)); err != nil {
			return tls.Certificate{}, nil, err
		}
		logger.Info("issued host certificate", zap.String("host", host), zap.String("path", files.Cert))
	}

	cert, err := tls.LoadX509KeyPair(files.Cert, files.Key)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("starttls: loading certificate of %s: %w", host, err)
	}

	pool := x509.NewCertPool()
	if exists(files.CACert) {
		raw, err := os.ReadFile(files.CACert)
		if err != nil {
			return tls.Certificate{}, nil, err
		}
		if !pool.AppendCertsFromPEM(raw) {
			return tls.Certificate{}, nil, fmt.Errorf("starttls: no certificates in %s", files.CACert)
		}
	} else if sys, err := x509.SystemCertPool(); err == nil {
		pool = sys
	}
	return cert, pool, nil
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func loadOrCreateCA(files Files, logger *zap.Logger) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if exists(files.CACert) && exists(files.CAKey) {
		pair, err := tls.LoadX509KeyPair(files.CACert, files.CAKey)
		if err != nil {
			return nil, nil, fmt.Errorf("starttls: loading CA: %w", err)
		}
		key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
		if !ok {
			return nil, nil, errors.New("starttls: CA key must be an ECDSA key")
		}
		crt, err := x509.ParseCertificate(pair.Certificate[0])
		if err != nil {
			return nil, nil, err
		}
		return crt, key, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: "xmppd CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, err
	}
	if err := writePEM(files.CACert, "CERTIFICATE", der, 0o644); err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	if err := writePEM(files.CAKey, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return nil, nil, err
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("created certificate authority", zap.String("path", files.CACert))
	return crt, key, nil
}

func issue(files Files, ca *x509.Certificate, caKey *ecdsa.PrivateKey, names []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(hostValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, key.Public(), caKey)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	if err := writePEM(files.Key, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return err
	}
	return writePEM(files.Cert, "CERTIFICATE", der, 0o644)
}

func writePEM(name, typ string, der []byte, perm fs.FileMode) error {
	return os.WriteFile(name, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), perm)
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
