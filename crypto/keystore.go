package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore: %w", err)
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt keystore %s: %w", filepath.Base(path), err)
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}

// LoadSigner resolves the custodial key from a keystore file, prompting for the passphrase
// through source when one is needed.
func LoadSigner(path string, source *PassphraseSource) (*PrivateKey, error) {
	if source == nil {
		return nil, errors.New("crypto: passphrase source required")
	}
	passphrase, err := source.Get()
	if err != nil {
		return nil, err
	}
	return LoadFromKeystore(path, passphrase)
}
