// Package trust manages the per-peer key pairs used to sign instance-to-instance calls
// and verifies the signatures peers attach to theirs.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// KeyPair is the key pair an instance uses for one peer relationship. The private half
// never leaves this instance; the public half is what the peer stores as our receive key.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ssh.PublicKey
}

// GenerateKeyPair creates a fresh ED25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("create SSH public key: %w", err)
	}
	return &KeyPair{private: priv, public: sshPub}, nil
}

// PublicKey returns the public key in base64 SSH wire format, the form exchanged as a
// peer's receive key.
func (k *KeyPair) PublicKey() string {
	return EncodePublicKey(k.public)
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	hash := sha256.Sum256(k.public.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(hash[:])
}

// writeKeyPair saves the private key in OpenSSH format. The file is written to a temp
// file and renamed so a crash never leaves a truncated key behind.
func writeKeyPair(path string, k *KeyPair) error {
	tmpPath, err := stageKeyPair(filepath.Dir(path), k)
	if err != nil {
		return err
	}
	return commitKeyPair(tmpPath, path)
}

// stageKeyPair writes k to a temp file in dir and returns its path.
func stageKeyPair(dir string, k *KeyPair) (string, error) {
	pemBlock, err := ssh.MarshalPrivateKey(k.private, "")
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp key file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := tmp.Write(pem.EncodeToMemory(pemBlock)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close key file: %w", err)
	}
	return tmpPath, nil
}

// commitKeyPair moves a staged key file into place.
func commitKeyPair(tmpPath, path string) error {
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// readKeyPair loads an OpenSSH ED25519 private key from disk.
func readKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch key := raw.(type) {
	case *ed25519.PrivateKey:
		priv = *key
	case ed25519.PrivateKey:
		priv = key
	default:
		return nil, fmt.Errorf("key is not ED25519 (got %T)", raw)
	}

	sshPub, err := ssh.NewPublicKey(priv.Public())
	if err != nil {
		return nil, fmt.Errorf("create SSH public key: %w", err)
	}
	return &KeyPair{private: priv, public: sshPub}, nil
}

// EncodePublicKey encodes an SSH public key to base64 wire format for transmission.
func EncodePublicKey(key ssh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(key.Marshal())
}

// DecodePublicKey decodes a base64-encoded SSH public key.
func DecodePublicKey(encoded string) (ssh.PublicKey, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}

	key, err := ssh.ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return key, nil
}

// DecodeED25519PublicKey decodes a base64-encoded SSH ED25519 public key to raw bytes.
func DecodeED25519PublicKey(encoded string) (ed25519.PublicKey, error) {
	sshPubKey, err := DecodePublicKey(encoded)
	if err != nil {
		return nil, err
	}

	cryptoPubKey, ok := sshPubKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("SSH key does not support CryptoPublicKey interface")
	}

	edPubKey, ok := cryptoPubKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("SSH key is not an ED25519 key")
	}

	return edPubKey, nil
}
