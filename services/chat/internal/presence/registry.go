package presence

import (
	"sort"
	"sync"

	"pairchat/pkg/domain"
)

// Conn is a live client connection that events can be pushed to.
type Conn interface {
	ID() string
	// Send enqueues ev without blocking and reports whether it was accepted.
	Send(ev domain.Event) bool
}

// Observer is told about online/offline transitions. It is called while the
// registry lock is held and must not block or call back into the registry.
type Observer interface {
	UserOnline(user domain.ID)
	UserOffline(user domain.ID)
}

type JoinResult struct {
	// Duplicate is true when the connection was already joined as this user.
	Duplicate bool
	// FirstSeen is true the first time this process sees the user.
	FirstSeen bool
	// CameOnline is true when the user went from zero to one connection.
	CameOnline bool
	// Displaced is set when the connection was previously joined as another user.
	Displaced *LeaveResult
	Online    []domain.ID
}

type LeaveResult struct {
	User        domain.ID
	Known       bool
	WentOffline bool
	Online      []domain.ID
}

type binding struct {
	user domain.ID
	conn Conn
}

// Registry maps users to their live connections and back.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]binding
	byUser   map[domain.ID]map[string]Conn
	seen     map[domain.ID]struct{}
	observer Observer
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]binding),
		byUser: make(map[domain.ID]map[string]Conn),
		seen:   make(map[domain.ID]struct{}),
	}
}

// SetObserver installs o. Call before the registry is shared.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Join binds conn to user. Joining again on the same connection replaces the
// earlier binding.
func (r *Registry) Join(conn Conn, user domain.ID) JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	if prev, ok := r.conns[conn.ID()]; ok {
		if prev.user == user {
			r.conns[conn.ID()] = binding{user: user, conn: conn}
			r.byUser[user][conn.ID()] = conn
			res.Duplicate = true
			res.Online = r.onlineLocked()
			return res
		}
		left := r.leaveLocked(conn.ID())
		res.Displaced = &left
	}

	if _, ok := r.seen[user]; !ok {
		r.seen[user] = struct{}{}
		res.FirstSeen = true
	}
	set := r.byUser[user]
	if set == nil {
		set = make(map[string]Conn)
		r.byUser[user] = set
		res.CameOnline = true
		if r.observer != nil {
			r.observer.UserOnline(user)
		}
	}
	set[conn.ID()] = conn
	r.conns[conn.ID()] = binding{user: user, conn: conn}
	res.Online = r.onlineLocked()
	if res.Displaced != nil {
		res.Displaced.Online = res.Online
	}
	return res
}

// Leave removes a single connection. Unknown connections are a no-op.
func (r *Registry) Leave(connID string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.leaveLocked(connID)
	res.Online = r.onlineLocked()
	return res
}

func (r *Registry) leaveLocked(connID string) LeaveResult {
	b, ok := r.conns[connID]
	if !ok {
		return LeaveResult{}
	}
	delete(r.conns, connID)
	res := LeaveResult{User: b.user, Known: true}
	set := r.byUser[b.user]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, b.user)
		res.WentOffline = true
		if r.observer != nil {
			r.observer.UserOffline(b.user)
		}
	}
	return res
}

// UserOf returns the user bound to a connection.
func (r *Registry) UserOf(connID string) (domain.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.conns[connID]
	return b.user, ok
}

// Resolve returns the live connections of user. An empty result means offline.
func (r *Registry) Resolve(user domain.ID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[user]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(user domain.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user]) > 0
}

// Online returns online users in ascending id order.
func (r *Registry) Online() []domain.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) onlineLocked() []domain.ID {
	out := make([]domain.ID, 0, len(r.byUser))
	for id := range r.byUser {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connections returns every joined connection.
func (r *Registry) Connections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, b := range r.conns {
		out = append(out, b.conn)
	}
	return out
}

// SendTo pushes ev to every connection of the given users and returns how many
// connections accepted it.
func (r *Registry) SendTo(ev domain.Event, users ...domain.ID) int {
	delivered := 0
	for _, user := range dedupe(users) {
		for _, c := range r.Resolve(user) {
			if c.Send(ev) {
				delivered++
			}
		}
	}
	return delivered
}

// Broadcast pushes ev to every joined connection.
func (r *Registry) Broadcast(ev domain.Event) {
	for _, c := range r.Connections() {
		c.Send(ev)
	}
}

func dedupe(users []domain.ID) []domain.ID {
	if len(users) < 2 {
		return users
	}
	out := make([]domain.ID, 0, len(users))
	seen := make(map[domain.ID]struct{}, len(users))
	for _, u := range users {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
