// Package sshkeys generates per-tenant ed25519 keypairs with
// golang.org/x/crypto/ssh. Private keys stay under the runtime ssh
// directory; the registry only ever holds the public half.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lobsterd/lobsterd/pkg/lobsterderr"
	"golang.org/x/crypto/ssh"
)

// KeyPair is a freshly generated tenant keypair. PrivateKeyPEM stays on
// the host under the ssh state directory; only the public half ever
// reaches the registry or the guest.
type KeyPair struct {
	PrivateKeyPEM    []byte
	PublicKeyOpenSSH string // authorized_keys line
	Fingerprint      string // SHA256 fingerprint, as ssh-keygen prints it
}

// Generate creates a fresh ed25519 keypair for a tenant named name,
// used as the comment on the public key.
func Generate(name string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ValidationFailed, "generate ed25519 key", err)
	}

	sshPriv, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ValidationFailed, "marshal private key", err)
	}
	privPEM := pem.EncodeToMemory(sshPriv)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, lobsterderr.Wrap(lobsterderr.ValidationFailed, "derive public key", err)
	}
	authorizedBytes := ssh.MarshalAuthorizedKey(sshPub) // includes a trailing newline
	authorizedLine := fmt.Sprintf("%s %s", authorizedBytes[:len(authorizedBytes)-1], name)

	return &KeyPair{
		PrivateKeyPEM:    privPEM,
		PublicKeyOpenSSH: authorizedLine,
		Fingerprint:      ssh.FingerprintSHA256(sshPub),
	}, nil
}

// WriteKeyPair persists both halves under dir: the private key at
// dir/<name> with mode 0600 (the operator-side identity `lobsterd exec`
// dials the guest with) and the authorized_keys line at dir/<name>.pub.
func WriteKeyPair(dir, name string, kp *KeyPair) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("mkdir %s", dir), err)
	}
	priv := filepath.Join(dir, name)
	if err := os.WriteFile(priv, kp.PrivateKeyPEM, 0o600); err != nil {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("write %s", priv), err)
	}
	return WritePublicKey(priv+".pub", kp)
}

// RemoveKeyPair removes both halves for name. Absent files are fine.
func RemoveKeyPair(dir, name string) error {
	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("remove %s", name), err)
	}
	return RemovePublicKey(filepath.Join(dir, name+".pub"))
}

// WritePublicKey persists the public half to path, mode 0644.
func WritePublicKey(path string, kp *KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("mkdir %s", filepath.Dir(path)), err)
	}
	if err := os.WriteFile(path, []byte(kp.PublicKeyOpenSSH+"\n"), 0644); err != nil {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("write %s", path), err)
	}
	return nil
}

// RemovePublicKey removes path. Removing an absent key is not an error.
func RemovePublicKey(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return lobsterderr.Wrap(lobsterderr.ValidationFailed, fmt.Sprintf("remove %s", path), err)
	}
	return nil
}
