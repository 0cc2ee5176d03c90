package crypto

import (
	"context"
	"testing"
	"time"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/stretchr/testify/require"
)

type signedRequest struct {
	timestamp int64
	nonce     int64
	id        types.NodeID
	message   []byte
	signature []byte
	publicKey []byte
}

func newSigner(t *testing.T, difficulty int) *Identity {
	t.Helper()
	id, err := GenerateIdentity(context.Background(), difficulty, 0, quietLogger())
	require.NoError(t, err)
	return id
}

func sign(id *Identity, ts, nonce int64) signedRequest {
	msg := []byte("ping")
	return signedRequest{
		timestamp: ts,
		nonce:     nonce,
		id:        id.ID,
		message:   msg,
		signature: id.Keys.Sign(msg),
		publicKey: id.Keys.PublicKey,
	}
}

func (r signedRequest) validate(v *Validator) error {
	return v.ValidateRequest(r.timestamp, r.nonce, r.id, r.message, r.signature, r.publicKey)
}

func newTestValidator(now time.Time) *Validator {
	v := NewValidator(ValidatorConfig{
		ReplayWindow:  120 * time.Second,
		NonceInterval: 32,
		Difficulty:    4,
		VerifyNodeID:  true,
	})
	v.now = func() time.Time { return now }
	return v
}

func TestValidateRequestTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	signer := newSigner(t, 4)

	tests := []struct {
		name    string
		ts      int64
		wantErr error
	}{
		{name: "now", ts: now.Unix()},
		{name: "edge of window in the past", ts: now.Unix() - 120},
		{name: "edge of window in the future", ts: now.Unix() + 120},
		{name: "stale", ts: now.Unix() - 121, wantErr: ErrStaleTimestamp},
		{name: "future dated", ts: now.Unix() + 500, wantErr: ErrStaleTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(now)
			err := sign(signer, tt.ts, 1).validate(v)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateRequestSignatureAndIdentity(t *testing.T) {
	now := time.Now()
	signer := newSigner(t, 4)
	other := newSigner(t, 4)

	t.Run("tampered message", func(t *testing.T) {
		r := sign(signer, now.Unix(), 1)
		r.message = []byte("store")
		require.ErrorIs(t, r.validate(newTestValidator(now)), ErrBadSignature)
	})

	t.Run("claimed id of another node", func(t *testing.T) {
		r := sign(signer, now.Unix(), 1)
		r.id = other.ID
		require.ErrorIs(t, r.validate(newTestValidator(now)), ErrIdentityMismatch)
	})

	t.Run("identity without enough work", func(t *testing.T) {
		v := newTestValidator(now)
		v.cfg.Difficulty = 40
		require.ErrorIs(t, sign(signer, now.Unix(), 1).validate(v), ErrInsufficientWork)
	})

	t.Run("identity check disabled", func(t *testing.T) {
		v := newTestValidator(now)
		v.cfg.VerifyNodeID = false
		r := sign(signer, now.Unix(), 1)
		r.id = other.ID
		require.NoError(t, r.validate(v))
	})
}

func TestValidateRequestNonce(t *testing.T) {
	now := time.Now()
	signer := newSigner(t, 4)
	v := newTestValidator(now)

	require.NoError(t, sign(signer, now.Unix(), 1000).validate(v), "first contact is accepted")

	require.ErrorIs(t, sign(signer, now.Unix(), 1000).validate(v), ErrReplayedNonce)
	require.NoError(t, sign(signer, now.Unix(), 1001).validate(v))
	require.NoError(t, sign(signer, now.Unix(), 990).validate(v), "limited reordering is tolerated")
	require.NoError(t, sign(signer, now.Unix(), 1033).validate(v))
	require.ErrorIs(t, sign(signer, now.Unix(), 1033).validate(v), ErrReplayedNonce)
	require.ErrorIs(t, sign(signer, now.Unix(), 5000).validate(v), ErrNonceOutOfWindow)
	require.ErrorIs(t, sign(signer, now.Unix(), 1001).validate(v), ErrReplayedNonce)
	require.ErrorIs(t, sign(signer, now.Unix(), 900).validate(v), ErrNonceOutOfWindow)

	last, ok := v.LastNonce(signer.ID)
	require.True(t, ok)
	require.EqualValues(t, 1033, last)
}

func TestRejectedRequestDoesNotRecordNonce(t *testing.T) {
	now := time.Now()
	signer := newSigner(t, 4)
	v := newTestValidator(now)

	stale := sign(signer, now.Unix()-1000, 7)
	require.ErrorIs(t, stale.validate(v), ErrStaleTimestamp)

	_, ok := v.LastNonce(signer.ID)
	require.False(t, ok)
	require.NoError(t, sign(signer, now.Unix(), 7).validate(v))
}
