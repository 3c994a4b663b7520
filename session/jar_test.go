package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJar_SessionSurvivesRestart(t *testing.T) {
	fb := newFakeBackend(t)
	path := filepath.Join(t.TempDir(), "cookies.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jar, err := NewFileJar(path, fb.URL+"/auth/refresh", logger)
	require.NoError(t, err)
	b, err := NewBackend(fb.URL, WithBackendHTTPClient(&http.Client{Jar: jar}))
	require.NoError(t, err)

	_, err = b.Login(context.Background(), "assertion-uid-1")
	require.NoError(t, err)

	// a new process reads the cookie back from disk
	jar2, err := NewFileJar(path, fb.URL+"/auth/refresh", logger)
	require.NoError(t, err)
	b2, err := NewBackend(fb.URL, WithBackendHTTPClient(&http.Client{Jar: jar2}))
	require.NoError(t, err)

	resp, err := b2.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", resp.AccessToken)

	require.NoError(t, b2.Logout(context.Background()))

	jar3, err := NewFileJar(path, fb.URL+"/auth/refresh", logger)
	require.NoError(t, err)
	b3, err := NewBackend(fb.URL, WithBackendHTTPClient(&http.Client{Jar: jar3}))
	require.NoError(t, err)
	_, err = b3.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession, "logout must remove the persisted cookie")
}

func TestFileJar_IgnoresOtherOrigin(t *testing.T) {
	fb := newFakeBackend(t)
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path,
		[]byte(`{"origin":"http://elsewhere.example","cookies":[{"name":"refresh_token","value":"rt-1"}]}`),
		0o600))

	jar, err := NewFileJar(path, fb.URL+"/auth/refresh", nil)
	require.NoError(t, err)
	b, err := NewBackend(fb.URL, WithBackendHTTPClient(&http.Client{Jar: jar}))
	require.NoError(t, err)

	_, err = b.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFileJar_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	jar, err := NewFileJar(path, "http://127.0.0.1:1/auth/refresh", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Empty(t, jar.Cookies(jar.probe))
}
