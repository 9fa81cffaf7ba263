package keyring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	zkr "github.com/zalando/go-keyring"
)

func TestBackendTokenRoundTrip(t *testing.T) {
	zkr.MockInit()

	_, err := BackendToken()
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, SetBackendToken("s3cret"))
	tok, err := BackendToken()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", tok)

	require.NoError(t, DeleteBackendToken())
	require.NoError(t, DeleteBackendToken())
	_, err = BackendToken()
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, SetBackendToken(""))
}

func TestResolveBackendToken(t *testing.T) {
	zkr.MockInit()
	t.Setenv("CHATBRIDGE_KEYRING_DISABLED", "")

	assert.Equal(t, "", ResolveBackendToken(""))
	require.NoError(t, SetBackendToken("from-keychain"))
	assert.Equal(t, "from-keychain", ResolveBackendToken(""))
	assert.Equal(t, "from-config", ResolveBackendToken("from-config"))

	t.Setenv("CHATBRIDGE_KEYRING_DISABLED", "1")
	assert.False(t, Available())
	assert.Equal(t, "", ResolveBackendToken(""))
}
