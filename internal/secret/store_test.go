package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvStore_Name(t *testing.T) {
	s := NewEnvStore("LAYERSYNC_SECRET_")
	assert.Equal(t, "LAYERSYNC_SECRET_ASSETS_PASS", s.EnvName("assets-pass"))
	assert.Equal(t, "LAYERSYNC_SECRET_PORTAL_TOKEN_2", s.EnvName("portal.token 2"))
}

func TestEnvStore_GetSetDelete(t *testing.T) {
	s := NewEnvStore("LSTEST_")
	t.Setenv("LSTEST_DB", "hunter2")

	v, err := s.Get("db")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(v))

	require.NoError(t, s.Set("db", []byte("changed")))
	v, _ = s.Get("db")
	assert.Equal(t, "changed", string(v))

	require.NoError(t, s.Delete("db"))
	v, err = s.Get("db")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRequire(t *testing.T) {
	s := NewEnvStore("LSTEST_")
	t.Setenv("LSTEST_TOKEN", "abc")

	v, err := Require(s, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = Require(s, "")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = Require(s, "absent")
	assert.ErrorIs(t, err, ErrMissing)
}

func TestNew(t *testing.T) {
	s, err := New("env", "P_")
	require.NoError(t, err)
	assert.IsType(t, &EnvStore{}, s)

	s, err = New("keychain", "")
	require.NoError(t, err)
	assert.IsType(t, &KeychainStore{}, s)

	_, err = New("vault", "")
	assert.Error(t, err)
}
