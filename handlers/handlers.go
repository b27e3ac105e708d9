// Package handlers holds the command handlers served by framedtcpd.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/cyberinferno/go-framedtcp/cacher"
	"github.com/cyberinferno/go-framedtcp/logger"
	"github.com/cyberinferno/go-framedtcp/tcpserver"
)

// Command ids understood by the daemon.
const (
	CmdPing   uint16 = 1
	CmdLogin  uint16 = 3
	CmdWhoAmI uint16 = 4
)

const (
	maxUserNameLen = 64
	userKey        = "user"
)

// ErrInvalidUserName is returned by the login handler for an empty, overlong
// or non-printable user name. It closes the session.
var ErrInvalidUserName = errors.New("invalid user name")

// Profile is the user record attached to a session on login.
type Profile struct {
	Name      string    `json:"name"`
	FirstSeen time.Time `json:"first_seen"`
}

// ProfileLoader resolves the profile of a user on a cache miss.
type ProfileLoader func(ctx context.Context, name string) (Profile, error)

// NewProfile is the default ProfileLoader. It builds a fresh profile.
func NewProfile(_ context.Context, name string) (Profile, error) {
	return Profile{Name: name, FirstSeen: time.Now().UTC()}, nil
}

// Handlers serves the daemon commands. Profiles resolved at login are kept in
// a cacher so repeated logins of one user share the same record.
type Handlers struct {
	profiles cacher.Cacher[Profile]
	load     ProfileLoader
	ttl      time.Duration
	logger   logger.Logger
}

// New builds the handler set.
//
// Parameters:
//   - profiles: Cache of user profiles
//   - load: Loader used on a cache miss; nil means NewProfile
//   - ttl: How long a loaded profile stays cached
//   - log: Logger; nil means discard
func New(profiles cacher.Cacher[Profile], load ProfileLoader, ttl time.Duration, log logger.Logger) *Handlers {
	if load == nil {
		load = NewProfile
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Handlers{profiles: profiles, load: load, ttl: ttl, logger: log}
}

// Register adds every command of the set to d.
func (h *Handlers) Register(d *tcpserver.Dispatcher) error {
	return errors.Join(
		d.Register(CmdPing, h.Ping),
		d.Register(CmdLogin, h.Login),
		d.Register(CmdWhoAmI, h.WhoAmI),
	)
}

// Ping replies "pong" on the same command. A non-empty payload is echoed
// after a space.
func (h *Handlers) Ping(command uint16, s *tcpserver.Session, payload []byte) error {
	reply := []byte("pong")
	if len(payload) > 0 {
		reply = append(append(reply, ' '), payload...)
	}

	return s.Send(command, reply)
}

// Login attaches the profile of the user named by the payload to the session
// and replies "welcome <name>". Logging in again switches the user.
func (h *Handlers) Login(command uint16, s *tcpserver.Session, payload []byte) error {
	name := strings.TrimSpace(string(payload))
	if !validUserName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidUserName, name)
	}

	profile, err := h.profiles.GetOrFetch(s.Context(), name, h.ttl, func(ctx context.Context) (Profile, error) {
		return h.load(ctx, name)
	})
	if err != nil {
		return fmt.Errorf("load profile %s: %w", name, err)
	}

	s.SetValue(userKey, profile)
	h.logger.Info("user logged in", logger.Field{Key: "session_id", Value: s.ID()}, logger.Field{Key: "user", Value: name})

	return s.SendString(command, "welcome "+profile.Name)
}

// WhoAmI replies the name of the logged in user, or an empty payload before
// login.
func (h *Handlers) WhoAmI(command uint16, s *tcpserver.Session, _ []byte) error {
	profile, _ := CurrentUser(s)
	return s.SendString(command, profile.Name)
}

// CurrentUser returns the profile attached to s by Login.
func CurrentUser(s *tcpserver.Session) (Profile, bool) {
	v, ok := s.Value(userKey)
	if !ok {
		return Profile{}, false
	}

	p, ok := v.(Profile)
	return p, ok
}

func validUserName(name string) bool {
	if name == "" || len(name) > maxUserNameLen {
		return false
	}

	for _, r := range name {
		if !unicode.IsPrint(r) {
			return false
		}
	}

	return true
}
