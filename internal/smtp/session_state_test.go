package smtp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/smtp2graph/internal/logging"
)

func TestSessionStateLoginAlongsidePhases(t *testing.T) {
	ctx := context.Background()
	ss := NewSessionState(logging.Discard())

	require.NoError(t, ss.Greet(ctx, "client.test"))
	ss.SetAuthenticated(ctx, "app")
	assert.Equal(t, PhaseGreeted, ss.GetPhase())
	assert.True(t, ss.IsAuthenticated())

	require.NoError(t, ss.OpenEnvelope(ctx, "a@x"))
	ss.AddRecipient("b@x")
	require.NoError(t, ss.SetPhase(ctx, PhaseData))
	assert.True(t, ss.IsAuthenticated())

	ss.Reset(ctx)
	assert.Equal(t, PhaseGreeted, ss.GetPhase())
	assert.Empty(t, ss.GetRecipients())
	assert.Equal(t, "app", ss.GetUsername(), "login survives the end of a transaction")

	ss.ResetForTLS(ctx)
	assert.Equal(t, PhaseConnected, ss.GetPhase())
	assert.False(t, ss.IsAuthenticated())
	assert.True(t, ss.IsTLSActive())
}

func TestSessionStateRejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	ss := NewSessionState(logging.Discard())

	assert.Error(t, ss.OpenEnvelope(ctx, "a@x"), "MAIL before greeting")
	assert.False(t, ss.CanAcceptCommand("MAIL"))

	require.NoError(t, ss.Greet(ctx, "client.test"))
	assert.Error(t, ss.SetPhase(ctx, PhaseData), "DATA without an envelope")
	assert.True(t, ss.CanAcceptCommand("AUTH"))
}
