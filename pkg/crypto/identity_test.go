package crypto

import (
	"context"
	"io"
	"testing"

	"github.com/busybox42/kadnode/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestGenerateIdentityMeetsDifficulty(t *testing.T) {
	for _, difficulty := range []int{0, 4, 8} {
		id, err := GenerateIdentity(context.Background(), difficulty, 100, quietLogger())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, id.ID.LeadingZeros(), difficulty)
		assert.Equal(t, types.NodeIDFromPublicKey(id.Keys.PublicKey), id.ID)
	}
}

func TestGenerateIdentityCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GenerateIdentity(ctx, 160, 100, quietLogger())
	require.ErrorIs(t, err, context.Canceled)
}

func TestIdentityFromPrivateKey(t *testing.T) {
	id, err := GenerateIdentity(context.Background(), 6, 0, quietLogger())
	require.NoError(t, err)

	restored, err := IdentityFromPrivateKey(id.Keys.PrivateKey, 6)
	require.NoError(t, err)
	assert.Equal(t, id.ID, restored.ID)

	_, err = IdentityFromPrivateKey(id.Keys.PrivateKey, 160)
	require.ErrorIs(t, err, ErrInsufficientWork)
}
