// Package keys provides the transit keyring of local tenants and the recipient key provider used when sending.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"hash/crc32"
	"slices"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/mickamy/peertransit"
)

const keySize = 32

var (
	ErrInvalidKey   = errors.New("keys: invalid transit key")
	ErrOpenFailed   = errors.New("keys: cannot open sealed payload")
	ErrUnknownOwner = errors.New("keys: no keyring for identity")
)

// KeyCRC fingerprints a public key so a recipient can tell which key a sender used.
func KeyCRC(publicKey []byte) uint32 {
	return crc32.ChecksumIEEE(publicKey)
}

// Keyring is a tenant's transit key pair.
type Keyring struct {
	public    [keySize]byte
	private   [keySize]byte
	crc       uint32
	expiresAt time.Time
}

// GenerateKeyring creates a fresh key pair that expires at expiresAt (zero never expires).
func GenerateKeyring(expiresAt time.Time) (*Keyring, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to generate key pair: %w", err)
	}
	return &Keyring{public: *pub, private: *priv, crc: KeyCRC(pub[:]), expiresAt: expiresAt}, nil
}

// LoadKeyring rebuilds a keyring from a stored private key.
func LoadKeyring(privateKey []byte, expiresAt time.Time) (*Keyring, error) {
	if len(privateKey) != keySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, keySize)
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	k := &Keyring{crc: KeyCRC(pub), expiresAt: expiresAt}
	copy(k.public[:], pub)
	copy(k.private[:], privateKey)
	return k, nil
}

func (k *Keyring) PublicKey() peertransit.PublicKey {
	return peertransit.PublicKey{
		Key:       append([]byte(nil), k.public[:]...),
		CRC:       k.crc,
		ExpiresAt: k.expiresAt,
	}
}

// ExpiresAt is zero for a ring that never expires.
func (k *Keyring) ExpiresAt() time.Time {
	return k.expiresAt
}

func (k *Keyring) CRC() uint32 {
	return k.crc
}

// PrivateKey returns a copy of the private key for persisting.
func (k *Keyring) PrivateKey() []byte {
	return append([]byte(nil), k.private[:]...)
}

// Open decrypts a payload sealed to this keyring.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, sealed, &k.public, &k.private)
	if !ok {
		return nil, ErrOpenFailed
	}
	return out, nil
}

// Seal encrypts plaintext to key with an ephemeral sender key.
func Seal(key peertransit.PublicKey, plaintext []byte) ([]byte, error) {
	if len(key.Key) != keySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, keySize)
	}
	var pub [keySize]byte
	copy(pub[:], key.Key)
	sealed, err := box.SealAnonymous(nil, plaintext, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: failed to seal: %w", err)
	}
	return sealed, nil
}

// Keyrings holds the current keyring of every local tenant and the rings it retired.
// Retired rings still open transfers sealed before a rotation.
type Keyrings struct {
	mu    sync.RWMutex
	rings map[string]*entry
}

type entry struct {
	current *Keyring
	retired []*Keyring
}

func NewKeyrings() *Keyrings {
	return &Keyrings{rings: make(map[string]*entry)}
}

func (k *Keyrings) entryLocked(identity string) *entry {
	e, ok := k.rings[identity]
	if !ok {
		e = &entry{}
		k.rings[identity] = e
	}
	return e
}

// Set replaces the current keyring without retiring the previous one.
func (k *Keyrings) Set(identity string, ring *Keyring) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entryLocked(identity).current = ring
}

// Retire registers a ring that is no longer published but may still open sealed payloads.
func (k *Keyrings) Retire(identity string, ring *Keyring) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entryLocked(identity)
	e.retired = append(e.retired, ring)
}

// Rotate makes next the current keyring and retires the previous one.
func (k *Keyrings) Rotate(identity string, next *Keyring) (retired *Keyring) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entryLocked(identity)
	if e.current != nil {
		e.retired = append(e.retired, e.current)
	}
	retired = e.current
	e.current = next
	return retired
}

// Get returns the published keyring of identity.
func (k *Keyrings) Get(identity string) (*Keyring, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.rings[identity]
	if !ok || e.current == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, identity)
	}
	return e.current, nil
}

// Find returns the current or retired keyring of identity whose public key has crc.
func (k *Keyrings) Find(identity string, crc uint32) (*Keyring, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.rings[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, identity)
	}
	if e.current != nil && e.current.crc == crc {
		return e.current, nil
	}
	for i := len(e.retired) - 1; i >= 0; i-- {
		if e.retired[i].crc == crc {
			return e.retired[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s holds no key with crc %d", ErrInvalidKey, identity, crc)
}

// Identities lists every identity with a current keyring.
func (k *Keyrings) Identities() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.rings))
	for identity, e := range k.rings {
		if e.current != nil {
			out = append(out, identity)
		}
	}
	slices.Sort(out)
	return out
}

// Ensure returns the identity's keyring, generating one valid for ttl when missing.
func (k *Keyrings) Ensure(identity string, ttl time.Duration, now time.Time) (*Keyring, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.entryLocked(identity)
	if e.current != nil {
		return e.current, nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	ring, err := GenerateKeyring(expiresAt)
	if err != nil {
		return nil, err
	}
	e.current = ring
	return ring, nil
}
