package lident

import (
	"bytes"
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/lynx-engine/lynx/lid"
)

// Filenames used by [Identity.Save] and [Load],
// relative to the identity directory.
const (
	CertFileName = "node.crt"
	KeyFileName  = "node.key"
)

// Identity is this node's long-lived cryptographic identity:
// an ed25519 key pair and a self-signed certificate over it.
//
// An Identity is immutable after construction
// and safe for concurrent use by any number of handshakes.
// The private key never leaves the Identity
// except through [Identity.Save].
type Identity struct {
	// The node identifier derived from the public key.
	ID lid.ID

	// The leaf certificate, parsed.
	Leaf *x509.Certificate

	// The certificate in the form expected by TLS configs.
	// Leaf is populated.
	TLSCert tls.Certificate

	priv ed25519.PrivateKey
}

// Generate creates a fresh identity with a self-signed certificate
// valid for the given duration.
func Generate(validFor time.Duration) (*Identity, error) {
	if validFor == 0 {
		validFor = 365 * 24 * time.Hour
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	id := lid.FromPublicKeyInfo(spki)

	serial, err := crand.Int(crand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,

		Subject: pkix.Name{
			CommonName: id.String(),
		},

		// Back-dated slightly, in case a remote's clock is a little behind.
		NotBefore: time.Now().Add(-15 * time.Second),
		NotAfter:  time.Now().Add(validFor),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			// Either peer may be the active or passive side of a handshake,
			// so the certificate must work for both roles.
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(crand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate from DER: %w", err)
	}

	return &Identity{
		ID:   id,
		Leaf: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{derBytes},
			PrivateKey:  priv,
			Leaf:        cert,
		},
		priv: priv,
	}, nil
}

// Save persists the identity as PEM files under dir,
// creating dir if needed.
// The key file is written with mode 0600.
func (id *Identity) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: id.Leaf.Raw,
	}); err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CertFileName), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(id.priv)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	buf.Reset()
	if err := pem.Encode(&buf, &pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	}); err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeyFileName), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// Load reads a previously saved identity from dir.
func Load(dir string) (*Identity, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, KeyFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("certificate file did not contain a CERTIFICATE PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, errors.New("key file did not contain a PRIVATE KEY PEM block")
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	priv, ok := keyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", keyAny)
	}

	// The certificate's key must be the pair of the stored private key;
	// otherwise the identity directory has been corrupted or tampered with.
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported certificate public key type %T", cert.PublicKey)
	}
	if !pub.Equal(priv.Public()) {
		return nil, errors.New("certificate public key does not match stored private key")
	}

	return &Identity{
		ID:   lid.FromCert(cert),
		Leaf: cert,
		TLSCert: tls.Certificate{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  priv,
			Leaf:        cert,
		},
		priv: priv,
	}, nil
}

// LoadOrGenerate loads the identity stored under dir,
// generating and persisting a new one on first run.
func LoadOrGenerate(dir string, validFor time.Duration) (*Identity, error) {
	id, err := Load(dir)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = Generate(validFor)
	if err != nil {
		return nil, err
	}
	if err := id.Save(dir); err != nil {
		return nil, err
	}
	return id, nil
}
