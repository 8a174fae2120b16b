package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func singleUser(password string, enabled bool, perms Permissions) *Auth {
	return New(map[string]User{
		"default": {Name: "default", Password: password, Enabled: enabled, Permissions: perms},
	}, "default")
}

func TestNoUsersNoAuthRequired(t *testing.T) {
	a := New(nil, "")
	assert.False(t, a.Required())

	_, err := a.Authenticate("", "whatever")
	assert.ErrorIs(t, err, ErrNoPassword)

	assert.True(t, a.CanExecute("", "SET"))
}

func TestAuthenticateDefaultUser(t *testing.T) {
	a := singleUser("s3cret", true, AllPermissions())
	require.True(t, a.Required())

	user, err := a.Authenticate("", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "default", user)

	_, err = a.Authenticate("", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Authenticate("nobody", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDisabledUserAlwaysFails(t *testing.T) {
	a := singleUser("s3cret", false, AllPermissions())
	_, err := a.Authenticate("", "s3cret")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.False(t, a.CanExecute("default", "GET"))
}

func TestBcryptPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	a := singleUser(string(hash), true, AllPermissions())
	user, err := a.Authenticate("", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "default", user)

	_, err = a.Authenticate("", "hunter3")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestPermissions(t *testing.T) {
	a := singleUser("pw", true, VerbPermissions("GET", "set"))

	assert.True(t, a.CanExecute("default", "GET"))
	assert.True(t, a.CanExecute("default", "SET"), "verbs are uppercased on parse")
	assert.False(t, a.CanExecute("default", "DEL"))
	assert.False(t, a.CanExecute("ghost", "GET"))
}

func TestParsePermissions(t *testing.T) {
	assert.True(t, ParsePermissions("ALL").All)
	assert.True(t, ParsePermissions("*").All)
	assert.True(t, ParsePermissions("").All)

	p := ParsePermissions("get|+set|  del ")
	assert.False(t, p.All)
	assert.True(t, p.allows("GET"))
	assert.True(t, p.allows("SET"))
	assert.True(t, p.allows("DEL"))
	assert.False(t, p.allows("KEYS"))
}

func TestMultipleUsers(t *testing.T) {
	a := New(map[string]User{
		"default": {Name: "default", Password: "dpw", Enabled: true, Permissions: AllPermissions()},
		"reader":  {Name: "reader", Password: "rpw", Enabled: true, Permissions: VerbPermissions("GET", "MGET")},
	}, "default")

	user, err := a.Authenticate("reader", "rpw")
	require.NoError(t, err)
	assert.Equal(t, "reader", user)

	assert.True(t, a.CanExecute("reader", "GET"))
	assert.False(t, a.CanExecute("reader", "SET"))
	assert.True(t, a.CanExecute("default", "SET"))
}
