// Package auth holds the user table and the per-user command allowlist.
//
// Users are loaded once at startup and frozen for the process lifetime.
// Password secrets may be stored either as plaintext, compared in constant
// time, or as bcrypt hashes.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultUser is the implicit user AUTH targets when no name is given.
const DefaultUser = "default"

var (
	// ErrNoPassword reports AUTH against a server with no passwords set.
	ErrNoPassword = errors.New("auth: no password configured")

	// ErrInvalidCredentials covers bad passwords, unknown users, and
	// disabled users alike, so probes cannot tell them apart.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// Permissions is a command allowlist: either everything or a set of
// uppercased verbs.
type Permissions struct {
	All   bool
	Verbs map[string]struct{}
}

// AllPermissions permits every command.
func AllPermissions() Permissions { return Permissions{All: true} }

// VerbPermissions permits exactly the given verbs.
func VerbPermissions(verbs ...string) Permissions {
	set := make(map[string]struct{}, len(verbs))
	for _, v := range verbs {
		v = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(v, "+")))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	if len(set) == 0 {
		return AllPermissions()
	}
	return Permissions{Verbs: set}
}

// ParsePermissions parses a verb list separated by '|' or ','; "all" and
// "*" (or an empty list) permit everything.
func ParsePermissions(raw string) Permissions {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") || raw == "*" {
		return AllPermissions()
	}
	verbs := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '|' || r == ','
	})
	return VerbPermissions(verbs...)
}

func (p Permissions) allows(verb string) bool {
	if p.All {
		return true
	}
	_, ok := p.Verbs[verb]
	return ok
}

// User is one configured identity.
type User struct {
	Name        string
	Password    string // plaintext or bcrypt hash
	Enabled     bool
	Permissions Permissions
}

// Auth is the immutable authenticator built at startup.
type Auth struct {
	users       map[string]User
	defaultUser string
}

// New builds an authenticator over the given user table.
func New(users map[string]User, defaultUser string) *Auth {
	if defaultUser == "" {
		defaultUser = DefaultUser
	}
	if users == nil {
		users = map[string]User{}
	}
	return &Auth{users: users, defaultUser: defaultUser}
}

// Required reports whether any configured user carries a password, in
// which case connections must authenticate.
func (a *Auth) Required() bool {
	for _, u := range a.users {
		if u.Password != "" {
			return true
		}
	}
	return false
}

// Authenticate verifies the password for the named user (the default user
// when name is empty) and returns the resolved user name.
func (a *Auth) Authenticate(username, password string) (string, error) {
	if !a.Required() {
		return "", ErrNoPassword
	}
	if username == "" {
		username = a.defaultUser
	}
	u, ok := a.users[username]
	if !ok || !u.Enabled {
		return "", ErrInvalidCredentials
	}
	if !checkPassword(u.Password, password) {
		return "", ErrInvalidCredentials
	}
	return username, nil
}

// CanExecute reports whether the user (the default user when empty) may
// run the given uppercased verb. With no users configured everything is
// allowed.
func (a *Auth) CanExecute(username, verb string) bool {
	if len(a.users) == 0 {
		return true
	}
	if username == "" {
		username = a.defaultUser
	}
	u, ok := a.users[username]
	if !ok || !u.Enabled {
		return false
	}
	return u.Permissions.allows(verb)
}

// DefaultUserName returns the configured default user name.
func (a *Auth) DefaultUserName() string { return a.defaultUser }

// Users returns the configured user names, for ACL LIST.
func (a *Auth) Users() []string {
	out := make([]string, 0, len(a.users))
	for name := range a.users {
		out = append(out, name)
	}
	return out
}

func checkPassword(stored, given string) bool {
	if isBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
