package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_RefreshWithoutCookie(t *testing.T) {
	fb := newFakeBackend(t)
	b, err := NewBackend(fb.URL)
	require.NoError(t, err)

	_, err = b.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBackend_LoginSetsRefreshCookie(t *testing.T) {
	fb := newFakeBackend(t)
	b, err := NewBackend(fb.URL)
	require.NoError(t, err)

	resp, err := b.Login(context.Background(), "assertion-uid-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", resp.AccessToken)
	assert.Equal(t, 900, resp.ExpiresIn)

	resp, err = b.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", resp.AccessToken)

	profile, err := b.Me(context.Background(), resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "free", profile.Plan)
	assert.Equal(t, 3, profile.Usage.ParaphraseCount)

	require.NoError(t, b.Logout(context.Background()))
	_, err = b.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBackend_LoginRejected(t *testing.T) {
	fb := newFakeBackend(t)
	b, err := NewBackend(fb.URL)
	require.NoError(t, err)

	_, err = b.Login(context.Background(), "garbage")
	assert.ErrorContains(t, err, "login failed with status 401: invalid token")
}

func TestBackend_RejectsEmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer srv.Close()

	b, err := NewBackend(srv.URL)
	require.NoError(t, err)
	_, err = b.Login(context.Background(), "assertion-uid-1")
	assert.ErrorContains(t, err, "no access_token")
}

func TestEndpoints_IdentityPaths(t *testing.T) {
	assert.Equal(t,
		[]string{"/auth/login", "/auth/refresh", "/auth/logout"},
		DefaultEndpoints().IdentityPaths(),
	)
}

func TestResponseError(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"oauth style", `{"error":"invalid_grant","error_description":"expired"}`, "refresh failed with status 400: invalid_grant: expired"},
		{"detail style", `{"detail":"nope"}`, "refresh failed with status 400: nope"},
		{"plain", `boom`, "refresh failed with status 400: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualError(t, responseError("refresh", 400, []byte(tt.body)), tt.want)
		})
	}
}
