package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fedis/fedis-go/internal/auth"
)

// Runtime is the fully resolved configuration the server wires from.
type Runtime struct {
	ListenAddr  string
	AOFPath     string
	Users       map[string]auth.User
	DefaultUser string
}

// Resolve turns the raw configuration into runtime values: the listen
// address (URL wins over LISTEN over HOST:PORT), the AOF location, and
// the user table.
func (c *ServerConfig) Resolve() (*Runtime, error) {
	listenAddr := c.Listen
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	users := make(map[string]auth.User)
	defaultUser := c.Username
	if defaultUser == "" {
		defaultUser = auth.DefaultUser
	}

	if c.Password != "" {
		users[defaultUser] = auth.User{
			Name:        defaultUser,
			Password:    c.Password,
			Enabled:     ParseBool(c.UserEnabled, true),
			Permissions: auth.ParsePermissions(c.UserCommands),
		}
	}

	for _, pair := range strings.Split(c.Users, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, definition, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed FEDIS_USERS entry %q", pair)
		}
		name = strings.TrimSpace(name)
		chunks := strings.Split(definition, ":")
		password := strings.TrimSpace(chunks[0])

		enabled := true
		perms := auth.AllPermissions()
		if len(chunks) > 1 {
			token := strings.TrimSpace(chunks[1])
			if isBoolToken(token) {
				enabled = ParseBool(token, true)
				if len(chunks) > 2 {
					perms = auth.ParsePermissions(chunks[2])
				}
			} else {
				perms = auth.ParsePermissions(token)
			}
		}
		users[name] = auth.User{Name: name, Password: password, Enabled: enabled, Permissions: perms}
	}

	if c.URL != "" {
		addr, urlUser, err := parseRedisURL(c.URL)
		if err != nil {
			return nil, err
		}
		listenAddr = addr
		if urlUser != nil {
			users[urlUser.Name] = *urlUser
			defaultUser = urlUser.Name
		}
	}

	// Keep the default user pointing at a configured identity.
	if _, ok := users[defaultUser]; !ok && len(users) > 0 {
		names := make([]string, 0, len(users))
		for n := range users {
			names = append(names, n)
		}
		sort.Strings(names)
		defaultUser = names[0]
	}

	aofPath := c.AOFPath
	if aofPath == "" {
		aofPath = filepath.Join(c.DataPath, DefaultAOFFilename)
	}
	if dir := filepath.Dir(aofPath); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("config: create data dir: %w", err)
		}
	}

	return &Runtime{
		ListenAddr:  listenAddr,
		AOFPath:     aofPath,
		Users:       users,
		DefaultUser: defaultUser,
	}, nil
}

// parseRedisURL resolves redis://[user:pass@]host:port/0 into a listen
// address and an optional seeded user.
func parseRedisURL(input string) (string, *auth.User, error) {
	u, err := url.Parse(input)
	if err != nil {
		return "", nil, fmt.Errorf("config: parse FEDIS_URL: %w", err)
	}
	if u.Scheme != "redis" {
		return "", nil, fmt.Errorf("config: FEDIS_URL scheme must be redis://")
	}
	host := u.Hostname()
	if host == "" {
		return "", nil, fmt.Errorf("config: FEDIS_URL requires a host")
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}

	if path := strings.TrimSpace(u.Path); path != "" && path != "/" && path != "/0" {
		return "", nil, fmt.Errorf("config: only database 0 is supported")
	}

	addr := host + ":" + port
	if u.User == nil {
		return addr, nil, nil
	}
	password, hasPassword := u.User.Password()
	if !hasPassword {
		return addr, nil, nil
	}
	name := u.User.Username()
	if name == "" {
		name = auth.DefaultUser
	}
	return addr, &auth.User{
		Name:        name,
		Password:    password,
		Enabled:     true,
		Permissions: auth.AllPermissions(),
	}, nil
}

// ParseBool accepts the tolerant truthy/falsy spellings used across the
// FEDIS_* variables; anything unrecognized yields the fallback.
func ParseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func isBoolToken(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "0", "false", "no", "off":
		return true
	default:
		return false
	}
}
