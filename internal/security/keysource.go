package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Identity is the TLS material a KeySource produces: a node certificate
// plus the CA that signs client certificates the coordinator must trust.
type Identity struct {
	Cert *tls.Certificate
	CA   *x509.CertPool
}

// KeySource loads the coordinator's server identity, either from a local
// directory or from an external secret store.
type KeySource interface {
	Load() (*Identity, error)
}

// FileKeySource reads node.crt/node.key/ca.crt from a directory.
type FileKeySource struct {
	Dir string
}

// NewFileKeySource builds a KeySource rooted at dir.
func NewFileKeySource(dir string) *FileKeySource {
	return &FileKeySource{Dir: dir}
}

// Load implements KeySource.
func (f *FileKeySource) Load() (*Identity, error) {
	certPath := filepath.Join(f.Dir, "node.crt")
	keyPath := filepath.Join(f.Dir, "node.key")
	caPath := filepath.Join(f.Dir, "ca.crt")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load node certificate: %w", err)
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("load CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA certificate at %s", caPath)
	}

	return &Identity{Cert: &cert, CA: pool}, nil
}

// Exists reports whether all three files required by Load are present.
func (f *FileKeySource) Exists() bool {
	for _, name := range []string{"node.crt", "node.key", "ca.crt"} {
		if _, err := os.Stat(filepath.Join(f.Dir, name)); err != nil {
			return false
		}
	}
	return true
}

// RemoteKeySource fetches the same material from an external secret-store
// HTTP endpoint instead of the local filesystem, for deployments where
// disktender's host filesystem is not trusted to hold private key
// material at rest.
type RemoteKeySource struct {
	Endpoint string
	Token    string
	client   *http.Client
}

// NewRemoteKeySource builds a KeySource against a secret-store endpoint.
func NewRemoteKeySource(endpoint, token string) *RemoteKeySource {
	return &RemoteKeySource{
		Endpoint: endpoint,
		Token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type secretStoreResponse struct {
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem"`
	CAPEM   string `json:"ca_pem"`
}

// Load implements KeySource by GETting the identity bundle from the
// secret store, authenticated with a bearer token.
func (r *RemoteKeySource) Load() (*Identity, error) {
	req, err := http.NewRequest(http.MethodGet, r.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build secret store request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch identity from secret store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secret store returned status %d", resp.StatusCode)
	}

	var body secretStoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode secret store response: %w", err)
	}

	cert, err := tls.X509KeyPair([]byte(body.CertPEM), []byte(body.KeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse secret store certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(body.CAPEM)) {
		return nil, fmt.Errorf("parse secret store CA certificate")
	}

	return &Identity{Cert: &cert, CA: pool}, nil
}
