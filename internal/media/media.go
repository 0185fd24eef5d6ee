// Package media defines the playback contract behind the media_control
// tool. Actual playback lives outside the runtime; the default player
// reports that nothing is connected.
package media

import (
	"context"
	"errors"
	"sync"
)

// ErrUnavailable is returned when no player backend is connected for
// the account.
var ErrUnavailable = errors.New("no media player connected")

// Status describes what a player is currently doing.
type Status struct {
	State  string `json:"state"` // playing, paused, stopped
	Track  string `json:"track,omitempty"`
	Artist string `json:"artist,omitempty"`
	Volume int    `json:"volume"`
}

// Player is the control surface a playback backend exposes. Every
// method returns a short human-readable confirmation for tool output.
type Player interface {
	Play(ctx context.Context, query string) (string, error)
	Pause(ctx context.Context) (string, error)
	Next(ctx context.Context) (string, error)
	Previous(ctx context.Context) (string, error)
	Status(ctx context.Context) (Status, error)
	SetVolume(ctx context.Context, level int) (string, error)
	SetShuffle(ctx context.Context, on bool) (string, error)
}

// Disconnected is the player used when no backend has been wired for
// a user. Every operation reports ErrUnavailable.
type Disconnected struct{}

func (Disconnected) Play(context.Context, string) (string, error)  { return "", ErrUnavailable }
func (Disconnected) Pause(context.Context) (string, error)         { return "", ErrUnavailable }
func (Disconnected) Next(context.Context) (string, error)          { return "", ErrUnavailable }
func (Disconnected) Previous(context.Context) (string, error)      { return "", ErrUnavailable }
func (Disconnected) Status(context.Context) (Status, error)        { return Status{}, ErrUnavailable }
func (Disconnected) SetVolume(context.Context, int) (string, error) { return "", ErrUnavailable }
func (Disconnected) SetShuffle(context.Context, bool) (string, error) {
	return "", ErrUnavailable
}

// Registry hands out one player per user, building it lazily from the
// configured factory.
type Registry struct {
	mu      sync.Mutex
	players map[string]Player
	factory func(userID string) Player
}

// NewRegistry returns a registry backed by factory. A nil factory
// yields Disconnected players.
func NewRegistry(factory func(userID string) Player) *Registry {
	if factory == nil {
		factory = func(string) Player { return Disconnected{} }
	}
	return &Registry{
		players: make(map[string]Player),
		factory: factory,
	}
}

// For returns the user's player, creating it on first use.
func (r *Registry) For(userID string) Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[userID]; ok {
		return p
	}
	p := r.factory(userID)
	r.players[userID] = p
	return p
}

// Set replaces the user's player. Used when a backend connects or
// disconnects at runtime.
func (r *Registry) Set(userID string, p Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p == nil {
		delete(r.players, userID)
		return
	}
	r.players[userID] = p
}
