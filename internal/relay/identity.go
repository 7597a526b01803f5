package relay

import (
	"errors"
	"strings"
	"sync"
)

// IdentityKind tags the variant of a connection's identity.
type IdentityKind int

const (
	IdentityUnnamed IdentityKind = iota
	IdentityAuthenticated
	IdentityAnonymous
)

// Identity is the name under which a connection acts in the protocol.
type Identity struct {
	Kind       IdentityKind
	UserID     int64 // authenticated only
	ScreenName string
}

// Named reports whether the connection has passed the naming step.
func (id Identity) Named() bool {
	return id.Kind != IdentityUnnamed
}

// ErrNameTaken is returned when a screen name is already bound to a live
// connection.
var ErrNameTaken = errors.New("screen name already in use")

// IdentityRegistry maps connection ids to identities and tracks the set
// of screen names in use across live connections. Name claims are atomic:
// of two connections racing for the same name, exactly one wins.
type IdentityRegistry struct {
	mu     sync.Mutex
	idents map[uint64]Identity
	names  map[string]uint64 // folded name → owning conn id
}

func NewIdentityRegistry() *IdentityRegistry {
	return &IdentityRegistry{
		idents: make(map[uint64]Identity),
		names:  make(map[string]uint64),
	}
}

// foldName normalizes a name for the uniqueness check. Accounts enforce
// case-insensitive uniqueness, so live names do too.
func foldName(name string) string {
	return strings.ToLower(name)
}

// BindAuthenticated binds an authenticated identity. The account's
// username becomes the screen name; it still races against live
// connections (two sessions of the same account do not coexist).
func (r *IdentityRegistry) BindAuthenticated(connID uint64, userID int64, username string) error {
	return r.bind(connID, Identity{
		Kind:       IdentityAuthenticated,
		UserID:     userID,
		ScreenName: username,
	})
}

// BindAnonymous reserves a free-floating screen name for a connection.
func (r *IdentityRegistry) BindAnonymous(connID uint64, name string) error {
	return r.bind(connID, Identity{
		Kind:       IdentityAnonymous,
		ScreenName: name,
	})
}

func (r *IdentityRegistry) bind(connID uint64, id Identity) error {
	key := foldName(id.ScreenName)

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.names[key]; ok && owner != connID {
		return ErrNameTaken
	}

	// Rebind releases the connection's previous name.
	if prev, ok := r.idents[connID]; ok && prev.Named() {
		delete(r.names, foldName(prev.ScreenName))
	}

	r.idents[connID] = id
	r.names[key] = connID
	return nil
}

// Release frees the connection's name and identity. Idempotent.
func (r *IdentityRegistry) Release(connID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.idents[connID]; ok {
		if id.Named() {
			key := foldName(id.ScreenName)
			if r.names[key] == connID {
				delete(r.names, key)
			}
		}
		delete(r.idents, connID)
	}
}

// IdentityOf returns the connection's current identity. The zero Identity
// (Unnamed) is returned for unknown connections.
func (r *IdentityRegistry) IdentityOf(connID uint64) Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idents[connID]
}

// NameInUse reports whether a screen name is bound to a live connection.
func (r *IdentityRegistry) NameInUse(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[foldName(name)]
	return ok
}
