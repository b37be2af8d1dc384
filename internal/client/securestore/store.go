// Package securestore seals string values into authenticated envelopes on
// top of a key/value repository.
//
// Every read that cannot produce a verified, unexpired value reports the
// value as absent: callers never learn whether a value was never written,
// was tampered with, or has expired. Broken envelopes are deleted as a side
// effect of the failed read.
package securestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/clockx"
	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/cryptox"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
)

// Suffix is appended to caller keys to tell sealed entries apart from other
// values sharing the repository.
const Suffix = ":sealed"

// Repository is the persistence the store writes envelopes to.
// metadata.Repository satisfies it.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
}

// FallbackPolicy decides what happens when no encryption key is available.
type FallbackPolicy int

const (
	// FallbackFail refuses to store values without a key and rejects
	// envelopes written with the insecure encoding.
	FallbackFail FallbackPolicy = iota
	// FallbackEncode stores values with a reversible, non-secret encoding.
	FallbackEncode
)

func (p FallbackPolicy) String() string {
	switch p {
	case FallbackFail:
		return "fail"
	case FallbackEncode:
		return "encode"
	default:
		return fmt.Sprintf("FallbackPolicy(%d)", int(p))
	}
}

func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return FallbackFail, nil
	case "encode":
		return FallbackEncode, nil
	default:
		return FallbackFail, fmt.Errorf("unknown store fallback policy %q", s)
	}
}

// Outcome classifies a read before it is collapsed to found/absent.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeAbsent
	OutcomeCorrupted
	OutcomeExpired
	// OutcomeUnavailable means the repository or the key could not be
	// reached; the envelope is left in place.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeAbsent:
		return "absent"
	case OutcomeCorrupted:
		return "corrupted"
	case OutcomeExpired:
		return "expired"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Store struct {
	repo   Repository
	keys   KeyProvider
	clock  clockx.Clock
	policy FallbackPolicy
	log    logging.Logger

	warnOnce sync.Once
}

type Option func(*Store)

func WithClock(c clockx.Clock) Option { return func(s *Store) { s.clock = c } }

func WithFallback(p FallbackPolicy) Option { return func(s *Store) { s.policy = p } }

func WithLogger(l logging.Logger) Option { return func(s *Store) { s.log = l } }

func New(repo Repository, keys KeyProvider, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		keys:   keys,
		clock:  clockx.Real(),
		policy: FallbackFail,
		log:    logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func storageKey(key string) string { return key + Suffix }

// Put seals value under key. A non-positive ttl stores the value without
// expiry. The returned error is informational: a failed Put leaves the
// previous envelope, if any, untouched.
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.clock.Now()
	plaintext := []byte(value)

	env := &Envelope{
		Hash:      cryptox.Hash(plaintext),
		CreatedAt: now.UnixMilli(),
	}
	if ttl > 0 {
		env.ExpiresAt = now.Add(ttl).UnixMilli()
	}

	k, err := s.keys.Key(ctx)
	switch {
	case err == nil:
		ct, iv, err := cryptox.Seal(k, plaintext)
		if err != nil {
			return fmt.Errorf("seal %s: %w", key, err)
		}
		env.Scheme, env.Ciphertext, env.IV = SchemeAESGCM, ct, iv
	case s.policy == FallbackEncode:
		s.warnOnce.Do(func() {
			s.log.Warn(ctx, "encryption key unavailable, storing values without encryption", "error", err)
		})
		env.Scheme, env.Ciphertext = SchemeEncoded, encodeInsecure(plaintext)
	default:
		return fmt.Errorf("put %s: %w", key, err)
	}

	b, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := s.repo.Set(ctx, storageKey(key), b); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key if it decrypts, verifies and has
// not expired.
func (s *Store) Get(ctx context.Context, key string) (string, bool) {
	v, outcome := s.lookup(ctx, key)
	return v, outcome == OutcomeFound
}

func (s *Store) lookup(ctx context.Context, key string) (string, Outcome) {
	sk := storageKey(key)

	raw, err := s.repo.Get(ctx, sk)
	if err != nil {
		s.log.Warn(ctx, "secure store read failed", "key", key, "error", err)
		return "", OutcomeUnavailable
	}
	if raw == nil {
		return "", OutcomeAbsent
	}

	value, outcome, err := s.unseal(ctx, raw)
	switch outcome {
	case OutcomeFound, OutcomeAbsent:
	case OutcomeUnavailable:
		s.log.Warn(ctx, "secure store key unavailable", "key", key, "error", err)
	default:
		s.log.Warn(ctx, "discarding stored value", "key", key, "outcome", outcome.String(), "error", err)
		if derr := s.repo.Delete(ctx, sk); derr != nil {
			s.log.Warn(ctx, "secure store delete failed", "key", key, "error", derr)
		}
	}
	return value, outcome
}

func (s *Store) unseal(ctx context.Context, raw []byte) (string, Outcome, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return "", OutcomeCorrupted, err
	}

	var plaintext []byte
	switch env.Scheme {
	case SchemeAESGCM:
		k, err := s.keys.Key(ctx)
		if err != nil {
			return "", OutcomeUnavailable, err
		}
		plaintext, err = cryptox.Open(k, env.Ciphertext, env.IV)
		if err != nil {
			return "", OutcomeCorrupted, fmt.Errorf("%w: %w", common.ErrCorrupted, err)
		}
	case SchemeEncoded:
		if s.policy != FallbackEncode {
			return "", OutcomeCorrupted, fmt.Errorf("%w: insecure envelope rejected", common.ErrCorrupted)
		}
		plaintext, err = decodeInsecure(env.Ciphertext)
		if err != nil {
			return "", OutcomeCorrupted, fmt.Errorf("%w: %w", common.ErrCorrupted, err)
		}
	default:
		return "", OutcomeCorrupted, fmt.Errorf("%w: unknown scheme %q", common.ErrCorrupted, env.Scheme)
	}

	if !cryptox.VerifyHash(plaintext, env.Hash) {
		return "", OutcomeCorrupted, errors.New("hash mismatch")
	}
	if env.expired(s.clock.Now().UnixMilli()) {
		return "", OutcomeExpired, nil
	}
	return string(plaintext), OutcomeFound, nil
}

// Remove deletes the envelope stored under key. Removing a missing key is a
// no-op.
func (s *Store) Remove(ctx context.Context, key string) {
	if err := s.repo.Delete(ctx, storageKey(key)); err != nil {
		s.log.Warn(ctx, "secure store remove failed", "key", key, "error", err)
	}
}

// Clear deletes every sealed envelope in the repository and leaves other
// keys alone.
func (s *Store) Clear(ctx context.Context) {
	all, err := s.repo.List(ctx, "")
	if err != nil {
		s.log.Warn(ctx, "secure store list failed", "error", err)
		return
	}
	for k := range all {
		if !strings.HasSuffix(k, Suffix) {
			continue
		}
		if err := s.repo.Delete(ctx, k); err != nil {
			s.log.Warn(ctx, "secure store clear failed", "key", k, "error", err)
		}
	}
}
