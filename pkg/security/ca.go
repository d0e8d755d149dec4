package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/sasewaddle/manager/pkg/storage"
	"github.com/sasewaddle/manager/pkg/types"
)

// CertAuthority manages the internal certificate authority used to
// issue mTLS identities to headends and clients
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     storage.Store
	secrets   *SecretsManager
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert represents a cached issued certificate
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CAData represents the serialized CA data for storage.
// RootKeyDER is encrypted with the secrets manager.
type CAData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

// CertBundle is the PEM material handed to a node at issuance. The
// private key appears here once and is never returned again.
type CertBundle struct {
	Serial   string
	CertPEM  string
	KeyPEM   string
	CAPEM    string
	NotAfter time.Time
}

const (
	// Root CA validity: 10 years
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Leaf certificate validity: 90 days
	leafCertValidity = 90 * 24 * time.Hour
	// Root CA key size: 4096 bits (long-lived)
	rootKeySize = 4096
	// Leaf key size: 2048 bits (shorter-lived, faster handshakes)
	leafKeySize = 2048
)

// NewCertAuthority creates a certificate authority backed by the store
func NewCertAuthority(store storage.Store, secrets *SecretsManager) *CertAuthority {
	return &CertAuthority{
		store:     store,
		secrets:   secrets,
		certCache: make(map[string]*CachedCert),
	}
}

// EnsureInitialized loads the CA from the store, generating and
// persisting a fresh root when none exists yet
func (ca *CertAuthority) EnsureInitialized() error {
	err := ca.LoadFromStore()
	if err == nil {
		return nil
	}
	if !trace.IsNotFound(err) {
		return err
	}
	if err := ca.Initialize(); err != nil {
		return err
	}
	return ca.SaveToStore()
}

// Initialize generates a new self-signed root CA
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SASEWaddle"},
			CommonName:   "SASEWaddle Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey

	return nil
}

// LoadFromStore loads the CA from storage
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return trace.Wrap(err)
	}

	var caData CAData
	if err := json.Unmarshal(data, &caData); err != nil {
		return fmt.Errorf("failed to unmarshal CA data: %w", err)
	}

	decryptedKey, err := ca.secrets.Decrypt(caData.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(caData.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey

	return nil
}

// SaveToStore persists the CA with the root key encrypted at rest
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := ca.secrets.Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to encrypt root key: %w", err)
	}

	caData := CAData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
	}

	data, err := json.Marshal(caData)
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("failed to save CA to storage: %w", err)
	}

	return nil
}

// IssueHeadendCertificate issues a server+client certificate for a
// headend cluster
func (ca *CertAuthority) IssueHeadendCertificate(clusterID string, dnsNames []string, ipAddresses []net.IP) (*CertBundle, error) {
	return ca.issue(clusterID, fmt.Sprintf("headend-%s", clusterID),
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		dnsNames, ipAddresses)
}

// IssueClientCertificate issues a client-auth certificate for an endpoint
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*CertBundle, error) {
	return ca.issue(clientID, fmt.Sprintf("client-%s", clientID),
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, nil, nil)
}

func (ca *CertAuthority) issue(ownerID, commonName string, usages []x509.ExtKeyUsage, dnsNames []string, ipAddresses []net.IP) (*CertBundle, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"SASEWaddle"},
			CommonName:   commonName,
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(leafCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: usages,
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leafCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	serial := serialNumber.Text(16)
	bundle := &CertBundle{
		Serial:   serial,
		CertPEM:  encodePEM("CERTIFICATE", certDER),
		KeyPEM:   encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey)),
		CAPEM:    encodePEM("CERTIFICATE", ca.rootCert.Raw),
		NotAfter: leafCert.NotAfter,
	}

	// Record the issuance. The private key is not persisted.
	record := &types.Certificate{
		Serial:    serial,
		Subject:   commonName,
		Issuer:    ca.rootCert.Subject.CommonName,
		NotBefore: leafCert.NotBefore,
		NotAfter:  leafCert.NotAfter,
		PEM:       bundle.CertPEM,
		OwnerID:   ownerID,
	}
	if err := ca.store.CreateCertificate(record); err != nil {
		return nil, trace.Wrap(err)
	}

	ca.certCache[ownerID] = &CachedCert{
		Cert:      leafCert,
		Key:       leafKey,
		IssuedAt:  leafCert.NotBefore,
		ExpiresAt: leafCert.NotAfter,
	}

	return bundle, nil
}

// RevokeCertificate marks an issued certificate revoked
func (ca *CertAuthority) RevokeCertificate(serial string) error {
	cert, err := ca.store.GetCertificate(serial)
	if err != nil {
		return trace.Wrap(err)
	}
	cert.Revoked = true
	return trace.Wrap(ca.store.UpdateCertificate(cert))
}

// VerifyCertificate verifies a certificate against the root CA
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}

	return nil
}

// CAPEM returns the root CA certificate PEM-encoded
func (ca *CertAuthority) CAPEM() string {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return ""
	}
	return encodePEM("CERTIFICATE", ca.rootCert.Raw)
}

// IsInitialized returns true if the CA holds a root keypair
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	return ca.rootCert != nil && ca.rootKey != nil
}

// GetCachedCert retrieves a cached certificate by owner
func (ca *CertAuthority) GetCachedCert(ownerID string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	cert, exists := ca.certCache[ownerID]
	return cert, exists
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
