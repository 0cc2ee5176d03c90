package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/busybox42/kadnode/pkg/types"
	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrStaleTimestamp   = errors.New("timestamp outside replay window")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrIdentityMismatch = errors.New("requester id does not match public key")
	ErrInsufficientWork = errors.New("node id does not meet difficulty")
	ErrReplayedNonce    = errors.New("nonce already accepted")
	ErrNonceOutOfWindow = errors.New("nonce outside accepted window")
)

type ValidatorConfig struct {
	ReplayWindow  time.Duration
	NonceInterval int64
	Difficulty    int
	// VerifyNodeID binds the claimed id to the public key and its proof of work.
	VerifyNodeID bool
}

// nonceLedger tracks what a single peer has already used.
type nonceLedger struct {
	highest int64
	seen    map[int64]struct{}
}

// Validator is the authorization gate every inbound request passes through.
type Validator struct {
	cfg     ValidatorConfig
	mu      sync.Mutex
	ledgers *gocache.Cache
	now     func() time.Time
}

func NewValidator(cfg ValidatorConfig) *Validator {
	// A ledger idle for twice the replay window can only be matched by
	// requests the timestamp check already rejects.
	ttl := 2 * cfg.ReplayWindow
	return &Validator{
		cfg:     cfg,
		ledgers: gocache.New(ttl, ttl),
		now:     time.Now,
	}
}

// ValidateRequest checks freshness, signature, identity binding and nonce,
// in that order. The nonce is recorded only when every check passes.
func (v *Validator) ValidateRequest(timestamp, nonce int64, peerID types.NodeID, message, signature []byte, publicKey ed25519.PublicKey) error {
	now := v.now().Unix()
	skew := now - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.cfg.ReplayWindow/time.Second) {
		return fmt.Errorf("%w: skew %ds", ErrStaleTimestamp, skew)
	}

	if !Verify(publicKey, message, signature) {
		return ErrBadSignature
	}

	if v.cfg.VerifyNodeID {
		if types.NodeIDFromPublicKey(publicKey) != peerID {
			return ErrIdentityMismatch
		}
		if !MeetsDifficulty(peerID, v.cfg.Difficulty) {
			return ErrInsufficientWork
		}
	}

	return v.acceptNonce(peerID, nonce)
}

func (v *Validator) acceptNonce(peerID types.NodeID, nonce int64) error {
	key := string(peerID[:])

	v.mu.Lock()
	defer v.mu.Unlock()

	var ledger *nonceLedger
	if cached, ok := v.ledgers.Get(key); ok {
		ledger = cached.(*nonceLedger)
	}

	if ledger == nil {
		ledger = &nonceLedger{highest: nonce, seen: map[int64]struct{}{nonce: {}}}
		v.ledgers.SetDefault(key, ledger)
		return nil
	}

	if _, dup := ledger.seen[nonce]; dup {
		return ErrReplayedNonce
	}
	diff := nonce - ledger.highest
	if diff > v.cfg.NonceInterval || diff < -v.cfg.NonceInterval {
		return fmt.Errorf("%w: got %d, last %d", ErrNonceOutOfWindow, nonce, ledger.highest)
	}

	ledger.seen[nonce] = struct{}{}
	if nonce > ledger.highest {
		ledger.highest = nonce
		for n := range ledger.seen {
			if n < ledger.highest-v.cfg.NonceInterval {
				delete(ledger.seen, n)
			}
		}
	}
	v.ledgers.SetDefault(key, ledger)
	return nil
}

// LastNonce returns the highest nonce accepted from peerID, if any.
func (v *Validator) LastNonce(peerID types.NodeID) (int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cached, ok := v.ledgers.Get(string(peerID[:]))
	if !ok {
		return 0, false
	}
	return cached.(*nonceLedger).highest, true
}
