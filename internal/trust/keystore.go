package trust

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// peerKey guards the key pair used for one peer. Signing takes the read lock, rotation
// takes the write lock, so no call is ever signed with a half-switched key.
type peerKey struct {
	mu   sync.RWMutex
	pair *KeyPair
}

// KeyStore holds one key pair per peer relationship, created lazily and persisted as
// OpenSSH private key files under dir.
type KeyStore struct {
	dir    string
	logger zerolog.Logger

	mu   sync.Mutex
	keys map[string]*peerKey
}

// NewKeyStore creates a key store rooted at dir.
func NewKeyStore(dir string, logger zerolog.Logger) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key store directory: %w", err)
	}
	return &KeyStore{
		dir:    dir,
		logger: logger.With().Str("component", "keystore").Logger(),
		keys:   make(map[string]*peerKey),
	}, nil
}

// KeyPath returns the file holding the private key for peer.
func (s *KeyStore) KeyPath(peer string) string {
	return filepath.Join(s.dir, url.QueryEscape(strings.TrimSuffix(peer, "/"))+".key")
}

// entry returns the guarded key for peer, loading it from disk or generating it on first use.
func (s *KeyStore) entry(peer string) (*peerKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pk, ok := s.keys[peer]; ok {
		return pk, nil
	}

	path := s.KeyPath(peer)
	pair, err := readKeyPair(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		pair, err = GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if err := writeKeyPair(path, pair); err != nil {
			return nil, err
		}
		s.logger.Info().Str("peer", peer).Str("fingerprint", pair.Fingerprint()).Msg("generated key pair")
	default:
		return nil, fmt.Errorf("load key for %s: %w", peer, err)
	}

	pk := &peerKey{pair: pair}
	s.keys[peer] = pk
	return pk, nil
}

// PublicKey returns our current public key for peer, creating the pair if needed.
func (s *KeyStore) PublicKey(peer string) (string, error) {
	pk, err := s.entry(peer)
	if err != nil {
		return "", err
	}
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pair.PublicKey(), nil
}

// Sign signs key for a call from self to peer with the current key pair.
func (s *KeyStore) Sign(self, peer, key string) (string, error) {
	pk, err := s.entry(peer)
	if err != nil {
		return "", err
	}
	pk.mu.RLock()
	defer pk.mu.RUnlock()
	return pk.pair.Sign(self, peer, key)
}

// Rotate replaces the key pair for peer. announce is called while the exclusive lock is
// held, with the old pair still current so it can sign the announcement of newPublic.
// The new pair is written to disk before it is announced and only switched in if
// announce succeeds.
func (s *KeyStore) Rotate(peer string, announce func(old *KeyPair, newPublic string) error) error {
	pk, err := s.entry(peer)
	if err != nil {
		return err
	}

	pk.mu.Lock()
	defer pk.mu.Unlock()

	next, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	path := s.KeyPath(peer)
	staged, err := stageKeyPair(filepath.Dir(path), next)
	if err != nil {
		return err
	}
	if announce != nil {
		if err := announce(pk.pair, next.PublicKey()); err != nil {
			_ = os.Remove(staged)
			return fmt.Errorf("announce new key: %w", err)
		}
	}

	s.logger.Info().
		Str("peer", peer).
		Str("old_fingerprint", pk.pair.Fingerprint()).
		Str("new_fingerprint", next.Fingerprint()).
		Msg("rotated key pair")
	// the peer already verifies with next
	pk.pair = next
	if err := commitKeyPair(staged, path); err != nil {
		s.logger.Error().Err(err).Str("peer", peer).Msg("rotated key not persisted, it is lost on restart")
		return err
	}
	return nil
}

// Forget drops the key pair for peer from memory and disk.
func (s *KeyStore) Forget(peer string) error {
	s.mu.Lock()
	delete(s.keys, peer)
	s.mu.Unlock()

	if err := os.Remove(s.KeyPath(peer)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove key for %s: %w", peer, err)
	}
	return nil
}
