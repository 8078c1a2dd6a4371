// Package identity manages the signing keypair an agent registers with the
// discovery service. Keys are secp256k1 so the same identity can fund and
// sign on-chain settlement transfers.
package identity

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is an agent's keypair plus its derived addresses
type Identity struct {
	privateKey *secp256k1.PrivateKey
}

// keyFile is the on-disk form of an identity
type keyFile struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
	Address    string `json:"address"`
	Type       string `json:"type"`
}

// Generate creates a fresh identity
func Generate() (*Identity, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{privateKey: priv}, nil
}

// FromHex restores an identity from a hex-encoded private key
func FromHex(privateKeyHex string) (*Identity, error) {
	raw, err := hex.DecodeString(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("identity: decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("identity: private key must be 32 bytes, got %d", len(raw))
	}
	return &Identity{privateKey: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// Load reads an identity from a key file written by Save
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("identity: parse key file: %w", err)
	}
	return FromHex(kf.PrivateKey)
}

// LoadOrGenerate loads the identity at path, generating and saving a new one
// if the file does not exist
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// Save writes the identity to path with owner-only permissions
func (i *Identity) Save(path string) error {
	kf := keyFile{
		PrivateKey: i.PrivateKeyHex(),
		PublicKey:  i.PublicKeyHex(),
		Address:    i.Address(),
		Type:       "secp256k1",
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("identity: marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	return nil
}

// PrivateKeyHex returns the hex-encoded private key
func (i *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(i.privateKey.Serialize())
}

// PublicKeyHex returns the compressed public key in hex. This is the form
// agents publish through the discovery registry.
func (i *Identity) PublicKeyHex() string {
	return hex.EncodeToString(i.privateKey.PubKey().SerializeCompressed())
}

// Address returns the Ethereum-format address derived from the public key,
// used as the recipient for on-chain settlement
func (i *Identity) Address() string {
	return crypto.PubkeyToAddress(*i.privateKey.PubKey().ToECDSA()).Hex()
}

// Sign signs digest with the private key. The digest must already be hashed.
func (i *Identity) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("identity: digest must be 32 bytes, got %d", len(digest))
	}
	// crypto.Sign rejects keys whose Curve is not go-ethereum's own S256
	// instance, so convert via the raw bytes rather than ToECDSA, which sets
	// the decred library's curve value.
	key, err := crypto.ToECDSA(i.privateKey.Serialize())
	if err != nil {
		return nil, fmt.Errorf("identity: convert private key: %w", err)
	}
	return crypto.Sign(digest, key)
}
