// Package cert implements a root certificate authority that mints and
// caches leaf certificates on demand for whatever hostname a client's TLS
// ClientHello asks for.
package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// fallbackWildcardHost is used when a requested hostname contains
// characters that would make it an invalid certificate subject.
const fallbackWildcardHost = "*.invalid"

// CA mints and caches TLS leaf certificates for hostnames observed via SNI.
type CA interface {
	// GetCert returns a leaf certificate for hostname, generating and
	// caching it on first use.
	GetCert(hostname string) (*tls.Certificate, error)

	// GetRootCA returns the root certificate, e.g. for a test to add it
	// to a client trust store.
	GetRootCA() *x509.Certificate
}

// SelfSignCA is a CA backed by a self-signed root key/cert.
type SelfSignCA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	storePath string // empty for the in-memory variant

	mu     sync.Mutex
	cache  *lru.Cache // unbounded: lru.New(0) never evicts
	serial uint64
}

// NewSelfSignCA loads a root CA from storePath/mockttp-ca.pem, generating
// and persisting a fresh one if none exists yet. An empty storePath uses
// the OS-appropriate user config directory.
func NewSelfSignCA(storePath string) (CA, error) {
	path, err := getStorePath(storePath)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	ca := newCA(path)

	if data, err := os.ReadFile(ca.caFile()); err == nil {
		if err := ca.loadFrom(bytes.NewReader(data)); err == nil {
			return ca, nil
		}
	}

	if err := ca.generateRoot(); err != nil {
		return nil, fmt.Errorf("cert: generate root: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("cert: create store path: %w", err)
	}
	f, err := os.OpenFile(ca.caFile(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cert: create ca file: %w", err)
	}
	defer f.Close()
	if err := ca.saveTo(f); err != nil {
		return nil, fmt.Errorf("cert: save ca file: %w", err)
	}

	return ca, nil
}

// NewSelfSignCAMemory creates a root CA that is generated fresh and never
// touches disk; used by tests and by short-lived proxy instances.
func NewSelfSignCAMemory() (CA, error) {
	ca := newCA("")
	if err := ca.generateRoot(); err != nil {
		return nil, fmt.Errorf("cert: generate root: %w", err)
	}
	return ca, nil
}

// NewSelfSignCAFromPEM loads a root CA from already-read PEM bytes for the
// key and certificate, returning an error on malformed input.
func NewSelfSignCAFromPEM(keyPEM, certPEM []byte) (CA, error) {
	ca := newCA("")
	if err := ca.loadFrom(bytes.NewReader(append(append([]byte{}, certPEM...), keyPEM...))); err != nil {
		return nil, fmt.Errorf("cert: malformed PEM input: %w", err)
	}
	return ca, nil
}

func newCA(storePath string) *SelfSignCA {
	return &SelfSignCA{
		storePath: storePath,
		cache:     lru.New(0),
	}
}

func getStorePath(storePath string) (string, error) {
	if storePath != "" {
		return storePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mockttp"), nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, "mockttp-ca.pem")
}

func (ca *SelfSignCA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "mockttp root CA", Organization: []string{"mockttp"}},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}

	ca.rootKey = key
	ca.rootCert = crt
	return nil
}

func (ca *SelfSignCA) saveTo(w io.Writer) error {
	keyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	if err := pem.Encode(w, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER}); err != nil {
		return err
	}
	return pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
}

func (ca *SelfSignCA) loadFrom(r *bytes.Reader) error {
	data, err := readAll(r)
	if err != nil {
		return err
	}

	var keyBlock, certBlock *pem.Block
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			keyBlock = block
		case "CERTIFICATE":
			certBlock = block
		}
	}
	if keyBlock == nil || certBlock == nil {
		return fmt.Errorf("cert: missing key or certificate PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return err
	}
	crt, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return err
	}

	ca.rootKey = key
	ca.rootCert = crt
	return nil
}

func readAll(r *bytes.Reader) ([]byte, error) {
	buf := make([]byte, r.Len())
	_, err := r.Read(buf)
	if err != nil && err.Error() != "EOF" {
		return nil, err
	}
	return buf, nil
}

// GetRootCA returns the root certificate of this CA.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert mints (or returns a cached) leaf certificate for hostname.
// Hostnames containing characters that cannot appear in a certificate
// subject fall back to a shared *.invalid wildcard leaf.
func (ca *SelfSignCA) GetCert(hostname string) (*tls.Certificate, error) {
	key := sanitizeHostname(hostname)

	ca.mu.Lock()
	if v, ok := ca.cache.Get(key); ok {
		ca.mu.Unlock()
		return v.(*tls.Certificate), nil
	}
	ca.mu.Unlock()

	// Leaf generation happens off the cache lock; only the map
	// insertion itself is guarded.
	leaf, err := ca.mintLeaf(key)
	if err != nil {
		return nil, err
	}

	ca.mu.Lock()
	if v, ok := ca.cache.Get(key); ok {
		ca.mu.Unlock()
		return v.(*tls.Certificate), nil
	}
	ca.cache.Add(key, leaf)
	ca.mu.Unlock()

	return leaf, nil
}

func sanitizeHostname(hostname string) string {
	if hostname == "" {
		return fallbackWildcardHost
	}
	if net.ParseIP(hostname) != nil {
		return hostname
	}
	for _, r := range hostname {
		if !(r == '.' || r == '-' || r == '*' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fallbackWildcardHost
		}
	}
	return hostname
}

func (ca *SelfSignCA) nextSerial() *big.Int {
	ca.mu.Lock()
	ca.serial++
	s := ca.serial
	ca.mu.Unlock()
	return new(big.Int).SetUint64(s + 1) // leaf serials start at 2; the root's serial is random
}

func (ca *SelfSignCA) mintLeaf(hostname string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: ca.nextSerial(),
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-24 * time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootCert.Raw},
		PrivateKey:  key,
	}, nil
}
