// Package registry holds the process-local mapping from user id to live
// connection. The network layer owns connection lifetime; the registry
// only borrows handles and never retains one across its lock.
package registry

import "sync"

// Conn is a live transport handle as seen by the routing layer. Send
// must not block: implementations enqueue into a buffered outbound
// channel and report false when the buffer is full.
type Conn interface {
	Send(payload []byte) bool
}

// Registry maps logged-in user ids to their connections. One mutex
// covers the whole map; hold it only for in-memory work, never across a
// store or bus call.
type Registry struct {
	mu    sync.Mutex
	conns map[int]Conn
}

func New() *Registry {
	return &Registry{conns: make(map[int]Conn)}
}

// Bind associates userid with conn, replacing any previous binding.
func (r *Registry) Bind(userid int, conn Conn) {
	r.mu.Lock()
	r.conns[userid] = conn
	r.mu.Unlock()
}

// Unbind removes the binding for userid, if any.
func (r *Registry) Unbind(userid int) {
	r.mu.Lock()
	delete(r.conns, userid)
	r.mu.Unlock()
}

// UnbindByConn removes the binding holding conn and returns the userid
// it was bound to. Returns (0, false) when conn is not bound. Used on
// abnormal disconnects, where only the dead handle is known.
func (r *Registry) UnbindByConn(conn Conn) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.conns {
		if c == conn {
			delete(r.conns, id)
			return id, true
		}
	}
	return 0, false
}

// Lookup returns the connection bound to userid.
func (r *Registry) Lookup(userid int) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[userid]
	return c, ok
}

// Count returns the number of bound users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ForEachSend sends payload to every listed user with a local
// connection and returns the ids that had none. The lock is taken once;
// sends under it are non-blocking enqueues only, so a slow recipient
// cannot stall the registry.
func (r *Registry) ForEachSend(userids []int, payload []byte) (missing []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range userids {
		if c, ok := r.conns[id]; ok {
			c.Send(payload)
		} else {
			missing = append(missing, id)
		}
	}
	return missing
}
