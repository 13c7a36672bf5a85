package directory

import (
	"sort"
	"sync"
)

// User is an authenticated identity. Users are immutable once created and
// are never deleted.
type User struct {
	ID string

	// CredentialRef points at the stored public credential, as returned by
	// the credential store.
	CredentialRef string
}

// Users is the registry of known users.
type Users struct {
	m sync.Map // id -> *User
}

// NewUsers creates an empty registry.
func NewUsers() *Users {
	return &Users{}
}

// Create registers a user. If the id is already taken the existing user is
// returned with created == false and nothing is overwritten.
func (r *Users) Create(id, credentialRef string) (u *User, created bool) {
	v, loaded := r.m.LoadOrStore(id, &User{ID: id, CredentialRef: credentialRef})
	return v.(*User), !loaded
}

// Get returns the user with the given id.
func (r *Users) Get(id string) (*User, bool) {
	v, ok := r.m.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*User), true
}

// Exists reports whether id is registered.
func (r *Users) Exists(id string) bool {
	_, ok := r.m.Load(id)
	return ok
}

// All returns every user, sorted by id.
func (r *Users) All() []*User {
	var out []*User
	r.m.Range(func(_, v any) bool {
		out = append(out, v.(*User))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of users.
func (r *Users) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
