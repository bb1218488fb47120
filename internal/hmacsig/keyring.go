// Package hmacsig implements inter-agent request authentication: per-agent
// HMAC-SHA256 keys derived from a single master secret, request signing over
// a canonical string, and verification with timestamp and replay checks.
//
// Derivation is deterministic (HKDF over the master secret, keyed by agent
// id and a weekly epoch) so every process holding the master secret computes
// the same keys without ever persisting plaintext key material. The graph
// stores only SHA-256 hashes of derived keys; a key authenticates only while
// its hash is the agent's active, unexpired key record.
package hmacsig

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Danservfinn/kurultai-sub006/internal/graph"
)

// ErrUnauthenticated is the single failure returned for every verification
// problem. Callers must not distinguish bad signatures from expired keys or
// replays on the wire.
var ErrUnauthenticated = errors.New("hmacsig: authentication failed")

// MinSecretLen is the minimum master secret length in bytes.
const MinSecretLen = 64

// keyLen is the derived per-agent key size.
const keyLen = 32

// epochPeriod is the key rotation period. Epochs count whole weeks since the
// Unix epoch, so every process derives the same epoch from the same clock.
const epochPeriod = 7 * 24 * time.Hour

// Keyring derives per-agent signing keys from the master secret.
type Keyring struct {
	master []byte
}

func NewKeyring(secret string) (*Keyring, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("hmacsig: master secret must be at least %d bytes", MinSecretLen)
	}
	return &Keyring{master: []byte(secret)}, nil
}

// Epoch returns the key epoch for a point in time.
func Epoch(now time.Time) int {
	return int(now.UTC().Unix() / int64(epochPeriod/time.Second))
}

// DeriveKey computes the agent's signing key for a given epoch.
func (k *Keyring) DeriveKey(agent graph.AgentID, epoch int) []byte {
	info := fmt.Sprintf("kurultai/agent-key/v1/%s/%d", agent, epoch)
	r := hkdf.New(sha256.New, k.master, nil, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF cannot fail for a 32-byte read.
		panic(err)
	}
	return key
}

// KeyHash returns the hex SHA-256 of a derived key, the only form ever
// written to the graph.
func KeyHash(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// ActiveKey returns the derived key whose hash matches the agent's stored
// active hash, trying the current epoch and the one before it (rotation lag
// at the weekly boundary). ErrUnauthenticated when neither matches.
func (k *Keyring) ActiveKey(agent graph.AgentID, activeHash string, now time.Time) ([]byte, error) {
	epoch := Epoch(now)
	for _, e := range []int{epoch, epoch - 1} {
		key := k.DeriveKey(agent, e)
		if KeyHash(key) == activeHash {
			return key, nil
		}
	}
	return nil, ErrUnauthenticated
}
