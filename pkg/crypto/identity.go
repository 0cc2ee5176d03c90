package crypto

import (
	"context"
	"fmt"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
)

// Identity is a signing key pair together with the node id derived from it.
type Identity struct {
	Keys *KeyPair
	ID   types.NodeID
}

// MeetsDifficulty reports whether id has at least difficulty leading zero bits.
func MeetsDifficulty(id types.NodeID, difficulty int) bool {
	return id.LeadingZeros() >= difficulty
}

// GenerateIdentity mints key pairs until the SHA-1 of the public key has at
// least difficulty leading zero bits. Progress is logged every logInterval
// attempts. The search stops early if ctx is cancelled.
func GenerateIdentity(ctx context.Context, difficulty, logInterval int, logger logrus.FieldLogger) (*Identity, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	for attempts := 1; ; attempts++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("identity generation aborted after %d attempts: %w", attempts-1, err)
		}

		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key pair: %w", err)
		}
		id := types.NodeIDFromPublicKey(kp.PublicKey)
		if MeetsDifficulty(id, difficulty) {
			logger.WithFields(logrus.Fields{
				"id":       id.String(),
				"attempts": attempts,
			}).Info("Generated node identity")
			return &Identity{Keys: kp, ID: id}, nil
		}

		if logInterval > 0 && attempts%logInterval == 0 {
			logger.WithFields(logrus.Fields{
				"attempts":   attempts,
				"difficulty": difficulty,
			}).Info("Still searching for node identity")
		}
	}
}

// IdentityFromPrivateKey restores an identity and checks it against difficulty.
func IdentityFromPrivateKey(privateKey []byte, difficulty int) (*Identity, error) {
	kp, err := KeyPairFromPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	id := types.NodeIDFromPublicKey(kp.PublicKey)
	if !MeetsDifficulty(id, difficulty) {
		return nil, fmt.Errorf("%w: %s has %d leading zero bits", ErrInsufficientWork, id, id.LeadingZeros())
	}
	return &Identity{Keys: kp, ID: id}, nil
}
