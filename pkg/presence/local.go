package presence

import (
	"slices"
	"sync"
)

// LivePlayer is a connection currently held by this process.
type LivePlayer struct {
	Name   string
	Server string
	Addr   string
}

// Host is the live view of the local proxy. The core reads the local node's
// players from here and never from Redis.
type Host interface {
	OnlineCount() int
	Players() []string
	Player(name string) (LivePlayer, bool)
	HasBackend(name string) bool
}

// LocalPlayers is a thread-safe in-memory Host.
type LocalPlayers struct {
	mu       sync.RWMutex
	players  map[string]LivePlayer
	backends map[string]bool
}

func NewLocalPlayers(backends []string) *LocalPlayers {
	lp := &LocalPlayers{
		players:  make(map[string]LivePlayer),
		backends: make(map[string]bool, len(backends)),
	}
	for _, b := range backends {
		lp.backends[b] = true
	}
	return lp
}

// Connect records a new live connection. It reports false when the name is
// already connected locally.
func (lp *LocalPlayers) Connect(name, addr string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if _, ok := lp.players[name]; ok {
		return false
	}
	lp.players[name] = LivePlayer{Name: name, Addr: addr}
	return true
}

// Switch moves a live player to server. Unknown players are ignored.
func (lp *LocalPlayers) Switch(name, server string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	p, ok := lp.players[name]
	if !ok {
		return false
	}
	p.Server = server
	lp.players[name] = p
	return true
}

// Disconnect drops a live player and reports whether it was present.
func (lp *LocalPlayers) Disconnect(name string) bool {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if _, ok := lp.players[name]; !ok {
		return false
	}
	delete(lp.players, name)
	return true
}

func (lp *LocalPlayers) OnlineCount() int {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return len(lp.players)
}

func (lp *LocalPlayers) Players() []string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	names := make([]string, 0, len(lp.players))
	for name := range lp.players {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (lp *LocalPlayers) Player(name string) (LivePlayer, bool) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	p, ok := lp.players[name]
	return p, ok
}

func (lp *LocalPlayers) HasBackend(name string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.backends[name]
}
