package teamsync

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize    = 32
	keyInfoTag = "teamflow/team-sync-key/v1|"
)

// KeyCache derives and caches one signing key per team from a shared secret.
// Keys never leave the process.
type KeyCache struct {
	secret []byte

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeyCache returns a cache bound to secret.
func NewKeyCache(secret string) (*KeyCache, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("sync secret required")
	}
	return &KeyCache{
		secret: []byte(secret),
		keys:   make(map[string][]byte),
	}, nil
}

// Key returns the derived key for teamID.
func (c *KeyCache) Key(teamID string) ([]byte, error) {
	if teamID == "" {
		return nil, errors.New("team id required")
	}
	c.mu.RLock()
	key, ok := c.keys[teamID]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	key = make([]byte, keySize)
	reader := hkdf.New(sha256.New, c.secret, nil, []byte(keyInfoTag+teamID))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive team key: %w", err)
	}

	c.mu.Lock()
	if existing, ok := c.keys[teamID]; ok {
		key = existing
	} else {
		c.keys[teamID] = key
	}
	c.mu.Unlock()
	return key, nil
}
