package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/aifoundry-org/cardice/pkg/util"
)

// DefaultKeyBits is the RSA modulus length used for new cluster keys.
const DefaultKeyBits = 2048

// KeyPair is the cluster key used to reach nodes over SSH. It is owned by a
// single cluster folder.
type KeyPair struct {
	ClusterName    string
	PrivateKeyPath string
	PublicKeyPath  string
	Key            *rsa.PrivateKey
	// Generated is set when the key was created by this call rather than loaded
	Generated bool
}

// PrivateKeyPath is the deterministic location of a cluster private key.
func PrivateKeyPath(folder, clusterName string) string {
	return filepath.Join(folder, clusterName+"_rsa")
}

// PEM returns the PKCS#1 encoded private key.
func (k *KeyPair) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.Key),
	})
}

// AuthorizedKey returns the public key as an authorized_keys line.
func (k *KeyPair) AuthorizedKey() ([]byte, error) {
	return util.AuthorizedKey(&k.Key.PublicKey, "cardice-"+k.ClusterName)
}

// LoadOrCreateKeyPair loads the cluster private key from folder, or generates
// and saves one of the requested length if none exists yet. bits <= 0 means
// DefaultKeyBits.
func LoadOrCreateKeyPair(folder, clusterName string, bits int) (*KeyPair, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	kp := &KeyPair{
		ClusterName:    clusterName,
		PrivateKeyPath: PrivateKeyPath(folder, clusterName),
		PublicKeyPath:  PrivateKeyPath(folder, clusterName) + ".pub",
	}

	data, err := util.LoadFileAllowMissing(kp.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key %s: %w", kp.PrivateKeyPath, err)
	}
	if len(data) > 0 {
		key, err := parsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load private key %s: %w", kp.PrivateKeyPath, err)
		}
		kp.Key = key
		return kp, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %d bit RSA key: %w", bits, err)
	}
	kp.Key = key
	kp.Generated = true

	if err := util.SaveFileAtomic(kp.PrivateKeyPath, kp.PEM(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to save private key: %w", err)
	}
	pub, err := kp.AuthorizedKey()
	if err != nil {
		return nil, err
	}
	if err := util.SaveFileAtomic(kp.PublicKeyPath, pub, 0o644); err != nil {
		return nil, fmt.Errorf("failed to save public key: %w", err)
	}
	return kp, nil
}

// parsePrivateKey accepts PKCS#1, PKCS#8 and OpenSSH encoded RSA keys.
func parsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	parsed, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}
