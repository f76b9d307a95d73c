package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/stretchr/testify/require"
)

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	encoded := hex.EncodeToString(key.Bytes())

	parsed, err := PrivateKeyFromHex("0x" + encoded)
	require.NoError(t, err)
	require.Equal(t, key.Address(), parsed.Address())

	parsed, err = PrivateKeyFromHex(" " + encoded + "\n")
	require.NoError(t, err)
	require.Equal(t, key.Address(), parsed.Address())

	_, err = PrivateKeyFromHex("")
	require.Error(t, err)
	_, err = PrivateKeyFromHex("0xzz")
	require.Error(t, err)
}

func TestKeystoreSignerRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	ks := keystore.NewKeyStore(filepath.Join(t.TempDir(), "keys"), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, "correct horse")
	require.NoError(t, err)
	path := account.URL.Path

	t.Setenv("NFTBRIDGE_TEST_PASSPHRASE", "correct horse")
	loaded, err := LoadSigner(path, NewPassphraseSource("NFTBRIDGE_TEST_PASSPHRASE"))
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestPassphraseSourceRejectsEmptyEnv(t *testing.T) {
	t.Setenv("NFTBRIDGE_TEST_PASSPHRASE", "  ")
	_, err := NewPassphraseSource("NFTBRIDGE_TEST_PASSPHRASE").Get()
	require.ErrorContains(t, err, "set but empty")
}
