package identity

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PreservesOtherClients(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))

	for _, id := range []string{"client-1", "client-2"} {
		require.NoError(t, store.Save(&Credential{
			AccessToken:  "token-" + id,
			RefreshToken: "refresh-" + id,
			ExpiresAt:    time.Now().Add(time.Hour),
			ClientID:     id,
		}))
	}

	c1, err := store.Load("client-1")
	require.NoError(t, err)
	assert.Equal(t, "token-client-1", c1.AccessToken)

	require.NoError(t, store.Delete("client-1"))

	c1, err = store.Load("client-1")
	require.NoError(t, err)
	assert.Nil(t, c1)

	c2, err := store.Load("client-2")
	require.NoError(t, err)
	assert.Equal(t, "token-client-2", c2.AccessToken)
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "none.json"))
	cred, err := store.Load("client")
	assert.NoError(t, err)
	assert.Nil(t, cred)
}

func TestCredential_Assertion(t *testing.T) {
	assert.Equal(t, "id", (&Credential{AccessToken: "at", IDToken: "id"}).Assertion())
	assert.Equal(t, "at", (&Credential{AccessToken: "at"}).Assertion())
}

func TestUserFromIDToken(t *testing.T) {
	u, err := userFromIDToken(signedIDToken(t, "sub-1", "a@b.c", "A"))
	require.NoError(t, err)
	assert.Equal(t, &User{UID: "sub-1", Email: "a@b.c", Name: "A"}, u)

	_, err = userFromIDToken("not-a-jwt")
	assert.Error(t, err)

	_, err = userFromIDToken(signedIDToken(t, "", "a@b.c", "A"))
	assert.ErrorContains(t, err, "no subject")
}
