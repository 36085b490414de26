package auditctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithActor(context.Background(), Actor{IdentityID: "u1", IPAddress: "10.0.0.1", UserAgent: "cli"})
	actor, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "u1", actor.IdentityID)
	require.Equal(t, "10.0.0.1", actor.IPAddress)
}

func TestWithActorMergesOntoExisting(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{IdentityID: "u1", SessionID: "s1", IPAddress: "10.0.0.1"})
	ctx = WithActor(ctx, Actor{Email: "u1@example.com", IPAddress: "10.0.0.2"})

	actor, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, Actor{
		IdentityID: "u1",
		SessionID:  "s1",
		Email:      "u1@example.com",
		IPAddress:  "10.0.0.2",
	}, actor)
}
