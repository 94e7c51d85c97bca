package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"dagmesh/logger"
)

// KeyPair represents a node identity on the mesh
type KeyPair struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	Address    string
}

// New creates a new key pair with a generated secp256k1 key
func New() (*KeyPair, error) {
	logger.L.Debug("Creating new key pair for mesh participation")
	privateKey, err := btcec.NewPrivateKey()
	if err != nil {
		logger.L.WithError(err).Error("Failed to generate private key for node identity")
		return nil, fmt.Errorf("failed to generate private key: %v", err)
	}

	kp := &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  privateKey.PubKey(),
	}
	kp.Address = deriveAddress(kp.PublicKey)
	logger.L.WithField("address", kp.Address).Info("New node identity created")

	return kp, nil
}

// LoadFromFile loads a key pair from a hex-encoded key file
func LoadFromFile(filePath string) (*KeyPair, error) {
	logger.L.WithField("file", filePath).Debug("Loading node identity from key file")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %v", err)
	}

	keyBytes, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %v", err)
	}

	privateKey, _ := btcec.PrivKeyFromBytes(keyBytes)
	kp := &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  privateKey.PubKey(),
	}
	kp.Address = deriveAddress(kp.PublicKey)
	logger.L.WithField("address", kp.Address).Info("Node identity loaded from key file")

	return kp, nil
}

// SaveToFile writes the private key to a hex-encoded file with 0600 permissions
func (kp *KeyPair) SaveToFile(filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %v", err)
	}

	encoded := hex.EncodeToString(kp.PrivateKey.Serialize())
	if err := os.WriteFile(filePath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write private key file: %v", err)
	}

	logger.L.WithField("file", filePath).Info("Node identity saved to key file")
	return nil
}

// deriveAddress creates an address from the compressed public key
func deriveAddress(publicKey *btcec.PublicKey) string {
	hash := sha256.Sum256(publicKey.SerializeCompressed())
	return hex.EncodeToString(hash[:20])
}

// PublicKeyBytes returns the compressed public key serialization
func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.PublicKey.SerializeCompressed()
}

// Sign signs the message and returns a DER-encoded signature
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	digest := Hash(message)
	sig := ecdsa.Sign(kp.PrivateKey, digest[:])
	return sig.Serialize(), nil
}

// Verify checks a DER-encoded signature over message against a compressed public key
func Verify(message, signature, publicKey []byte) error {
	pub, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %v", err)
	}

	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("failed to parse signature: %v", err)
	}

	digest := Hash(message)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Hash returns the sha256 digest of data
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
