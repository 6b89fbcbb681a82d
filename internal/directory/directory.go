package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/sprite-bridge/internal/config"
)

// ErrUserNotFound is returned when no sprite is registered for a user.
var ErrUserNotFound = errors.New("user not found")

// Sprite identifies the sandbox serving one user and the in-sprite service
// the link should reach.
type Sprite struct {
	UserID string
	Name   string
	Host   string
	Port   int
}

// Directory looks up the sprite for a user.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Sprite, error)
}

// Static is an in-memory directory.
type Static struct {
	users map[string]Sprite
}

// NewStatic builds a directory from config entries. Host and port fall back
// to the given defaults.
func NewStatic(users map[string]config.StaticUser, defaultHost string, defaultPort int) *Static {
	s := &Static{users: make(map[string]Sprite, len(users))}
	for id, u := range users {
		sp := Sprite{
			UserID: id,
			Name:   u.Sprite,
			Host:   u.Host,
			Port:   u.Port,
		}
		if sp.Name == "" {
			sp.Name = id
		}
		if sp.Host == "" {
			sp.Host = defaultHost
		}
		if sp.Port == 0 {
			sp.Port = defaultPort
		}
		s.users[id] = sp
	}
	return s
}

// Lookup returns the sprite for userID.
func (s *Static) Lookup(_ context.Context, userID string) (Sprite, error) {
	sp, ok := s.users[userID]
	if !ok {
		return Sprite{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	return sp, nil
}

// Len returns the number of users.
func (s *Static) Len() int {
	return len(s.users)
}
