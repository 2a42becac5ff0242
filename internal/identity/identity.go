// Package identity derives the peer's cryptographic identity from a short
// phone-style number. The number is persisted once per installation; the key
// pair is re-derived deterministically on every start, so the peer ID is
// stable across restarts.
package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// numberKey is the _meta key under which the local source number is persisted.
const numberKey = "local-number"

const numberDigits = 6

// ErrMalformed reports corrupt persisted identity material. Callers must
// treat it as fatal at startup; regenerating silently would change the
// peer ID out from under everyone who has the old number.
var ErrMalformed = errors.New("identity: malformed persisted identity")

// Store is the key/value persistence contract the provider needs.
// storage.DB satisfies it.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// Provider derives and persists the local identity.
type Provider struct {
	store Store
}

func New(store Store) *Provider {
	return &Provider{store: store}
}

// Identity returns the local key pair and canonical peer ID. On first run a
// fresh source number is generated and persisted; afterwards the same number
// always derives the same key.
func (p *Provider) Identity() (crypto.PrivKey, peer.ID, error) {
	number, err := p.LocalNumber()
	if err != nil {
		return nil, "", err
	}
	return Derive(number)
}

// LocalNumber returns the persisted source number, generating and persisting
// a new one only when absent.
func (p *Provider) LocalNumber() (string, error) {
	number, ok, err := p.store.Get(numberKey)
	if err != nil {
		return "", fmt.Errorf("identity: read number: %w", err)
	}
	if ok {
		if !validNumber(number) {
			return "", fmt.Errorf("%w: stored number %q", ErrMalformed, number)
		}
		return number, nil
	}

	number, err = generateNumber()
	if err != nil {
		return "", fmt.Errorf("identity: generate number: %w", err)
	}
	if err := p.store.Set(numberKey, number); err != nil {
		return "", fmt.Errorf("identity: persist number: %w", err)
	}
	log.Printf("ID: generated new local number %s", number)
	return number, nil
}

// Derive computes the key pair and peer ID for a source number:
// SHA-256(number) is the Ed25519 seed, and the peer ID is the canonical
// libp2p encoding of the public key.
func Derive(number string) (crypto.PrivKey, peer.ID, error) {
	if !validNumber(number) {
		return nil, "", fmt.Errorf("%w: number %q", ErrMalformed, number)
	}

	seed := sha256.Sum256([]byte(number))
	priv, pub, err := crypto.GenerateEd25519Key(bytes.NewReader(seed[:]))
	if err != nil {
		return nil, "", fmt.Errorf("identity: derive key: %w", err)
	}

	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return nil, "", fmt.Errorf("identity: peer id: %w", err)
	}
	return priv, pid, nil
}

// generateNumber picks a random 6-digit number (no leading zero, so the
// number reads naturally when spoken or dialed).
func generateNumber() (string, error) {
	max := big.NewInt(900000)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

func validNumber(s string) bool {
	if len(s) != numberDigits {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
