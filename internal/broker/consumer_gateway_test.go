package broker

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/internal/session"
)

func newGatewayForAuth(t *testing.T, cfg GatewayConfig) *ConsumerGateway {
	t.Helper()
	log := testLogger(t)
	repo := testRepo(t)
	b := NewBroadcaster(QueueLimits{HighWaterMark: 10, MaxQueueSize: 20}, log)
	return NewConsumerGateway(repo, b, nil, nil, nil, cfg, nil, log)
}

func TestAnonymousIdentityIgnoresRoleQuery(t *testing.T) {
	g := newGatewayForAuth(t, GatewayConfig{})

	r := httptest.NewRequest("GET", "/ws/consumer/s?role=observer", nil)
	identity, err := g.authenticate(r)
	require.NoError(t, err)

	assert.Equal(t, session.RoleParticipant, identity.Role,
		"an unauthenticated client cannot self-select a role")
	assert.Equal(t, "anonymous-1", identity.UserID)
	assert.Equal(t, "User 1", identity.DisplayName)

	second, err := g.authenticate(httptest.NewRequest("GET", "/ws/consumer/s", nil))
	require.NoError(t, err)
	assert.Equal(t, "anonymous-2", second.UserID)
}

func TestAuthenticatorIdentityHonored(t *testing.T) {
	g := newGatewayForAuth(t, GatewayConfig{})
	g.SetAuthenticator(func(ctx context.Context, ac AuthContext) (session.ConsumerIdentity, error) {
		return session.ConsumerIdentity{
			UserID:      "u-" + ac.Query.Get("token"),
			DisplayName: "Reviewer",
			Role:        session.RoleObserver,
		}, nil
	})

	r := httptest.NewRequest("GET", "/ws/consumer/s?token=abc", nil)
	identity, err := g.authenticate(r)
	require.NoError(t, err)

	assert.Equal(t, "u-abc", identity.UserID)
	assert.Equal(t, session.RoleObserver, identity.Role)
}

func TestAuthenticatorRejectionPropagates(t *testing.T) {
	g := newGatewayForAuth(t, GatewayConfig{})
	g.SetAuthenticator(func(ctx context.Context, ac AuthContext) (session.ConsumerIdentity, error) {
		return session.ConsumerIdentity{}, errors.New("bad credentials")
	})

	_, err := g.authenticate(httptest.NewRequest("GET", "/ws/consumer/s", nil))
	require.Error(t, err)
}

func TestAuthenticatorTimeoutRejects(t *testing.T) {
	g := newGatewayForAuth(t, GatewayConfig{AuthTimeout: 20 * time.Millisecond})
	g.SetAuthenticator(func(ctx context.Context, ac AuthContext) (session.ConsumerIdentity, error) {
		time.Sleep(500 * time.Millisecond)
		return session.ConsumerIdentity{UserID: "late"}, nil
	})

	start := time.Now()
	_, err := g.authenticate(httptest.NewRequest("GET", "/ws/consumer/s", nil))
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
