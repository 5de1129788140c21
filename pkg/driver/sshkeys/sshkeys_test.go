package sshkeys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateProducesUsableKeypair(t *testing.T) {
	kp, err := Generate("alice")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.PublicKeyOpenSSH, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(kp.PublicKeyOpenSSH, " alice"))
	assert.True(t, strings.HasPrefix(kp.Fingerprint, "SHA256:"))

	// The private half parses back and matches the public half.
	signer, err := ssh.ParsePrivateKey(kp.PrivateKeyPEM)
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(kp.PublicKeyOpenSSH))
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(pub), ssh.FingerprintSHA256(signer.PublicKey()))
}

func TestGenerateIsUniquePerCall(t *testing.T) {
	a, err := Generate("alice")
	require.NoError(t, err)
	b, err := Generate("alice")
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestWriteKeyPairModesAndRemoval(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate("alice")
	require.NoError(t, err)

	require.NoError(t, WriteKeyPair(dir, "alice", kp))

	priv, err := os.Stat(filepath.Join(dir, "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), priv.Mode().Perm())

	pub, err := os.ReadFile(filepath.Join(dir, "alice.pub"))
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKeyOpenSSH+"\n", string(pub))

	require.NoError(t, RemoveKeyPair(dir, "alice"))
	_, err = os.Stat(filepath.Join(dir, "alice"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "alice.pub"))
	assert.True(t, os.IsNotExist(err))

	// Removing again stays quiet.
	assert.NoError(t, RemoveKeyPair(dir, "alice"))
}
