// Package mapper keeps the table of UDP associations that are carried over
// TCP tunnels.
//
// An association pairs a UDP socket with the TCP connections that carry its
// datagrams: the SOCKS5 control connection that owns it on the client and the
// tunnel connection that boxes its datagrams. Each role is indexed by the
// association's key, an address that identifies the UDP flow. All indexes are
// updated under one lock, so a reader never sees an association in one index
// but not in another.
package mapper

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound      = errors.New("mapper: no association")
	ErrNoCounterpart = errors.New("mapper: association has no counterpart")
	ErrExists        = errors.New("mapper: key already associated")
)

// Role names one of the sockets of an association.
type Role uint8

const (
	RoleUDP Role = 1 << iota
	RoleControl
	RoleTunnel
)

func (r Role) String() string {
	switch r {
	case RoleUDP:
		return "udp"
	case RoleControl:
		return "control"
	case RoleTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("roles(%#x)", uint8(r))
	}
}

// Association is a snapshot of one table entry. Any of the sockets may be
// nil when that role is not part of the association.
type Association struct {
	ID      uuid.UUID
	Key     netip.AddrPort
	UDP     net.PacketConn
	Control net.Conn
	Tunnel  net.Conn
}

func (a *Association) roles() Role {
	var r Role
	if a.UDP != nil {
		r |= RoleUDP
	}
	if a.Control != nil {
		r |= RoleControl
	}
	if a.Tunnel != nil {
		r |= RoleTunnel
	}
	return r
}

func (a *Association) closers() []io.Closer {
	var c []io.Closer
	if a.UDP != nil {
		c = append(c, a.UDP)
	}
	if a.Control != nil {
		c = append(c, a.Control)
	}
	if a.Tunnel != nil {
		c = append(c, a.Tunnel)
	}
	return c
}

// Mapper is safe for concurrent use. The zero value is not usable; call New.
type Mapper struct {
	mu      sync.RWMutex
	assocs  map[uuid.UUID]*Association
	indexes map[Role]map[netip.AddrPort]uuid.UUID
}

func New() *Mapper {
	return &Mapper{
		assocs: make(map[uuid.UUID]*Association),
		indexes: map[Role]map[netip.AddrPort]uuid.UUID{
			RoleUDP:     make(map[netip.AddrPort]uuid.UUID),
			RoleControl: make(map[netip.AddrPort]uuid.UUID),
			RoleTunnel:  make(map[netip.AddrPort]uuid.UUID),
		},
	}
}

func canonical(k netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(k.Addr().Unmap(), k.Port())
}

// Associate inserts a and returns its newly assigned id. It fails with
// ErrExists if any index already holds a.Key.
func (m *Mapper) Associate(a Association) (uuid.UUID, error) {
	a.Key = canonical(a.Key)
	a.ID = uuid.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, idx := range m.indexes {
		if _, ok := idx[a.Key]; ok {
			return uuid.Nil, fmt.Errorf("%w: %s", ErrExists, a.Key)
		}
	}
	m.assocs[a.ID] = &a
	m.index(&a)
	return a.ID, nil
}

func (m *Mapper) index(a *Association) {
	roles := a.roles()
	for role, idx := range m.indexes {
		if roles&role != 0 {
			idx[a.Key] = a.ID
		}
	}
}

func (m *Mapper) unindex(a *Association) {
	for _, idx := range m.indexes {
		if id, ok := idx[a.Key]; ok && id == a.ID {
			delete(idx, a.Key)
		}
	}
}

// Get returns the association with the given id.
func (m *Mapper) Get(id uuid.UUID) (Association, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assocs[id]
	if !ok {
		return Association{}, false
	}
	return *a, true
}

// Lookup returns the association indexed under key for role.
func (m *Mapper) Lookup(key netip.AddrPort, role Role) (Association, bool) {
	key = canonical(key)

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.indexes[role][key]
	if !ok {
		return Association{}, false
	}
	return *m.assocs[id], true
}

// Route returns the association for key, requiring every role in need to be
// present. An association that lacks one of them is torn down and
// ErrNoCounterpart is returned.
func (m *Mapper) Route(key netip.AddrPort, need Role) (Association, error) {
	key = canonical(key)

	m.mu.Lock()
	var a *Association
	for _, idx := range m.indexes {
		if id, ok := idx[key]; ok {
			a = m.assocs[id]
			break
		}
	}
	if a == nil {
		m.mu.Unlock()
		return Association{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if a.roles()&need == need {
		snap := *a
		m.mu.Unlock()
		return snap, nil
	}
	m.removeLocked(a)
	m.mu.Unlock()

	closeAll(a)
	log.Debug().Str("key", key.String()).Str("id", a.ID.String()).Msg("tore down partial udp association")
	return Association{}, fmt.Errorf("%w: %s", ErrNoCounterpart, key)
}

// AttachTunnel adds the tunnel role to the association id, which must not
// have one yet.
func (m *Mapper) AttachTunnel(id uuid.UUID, tunnel net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assocs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Tunnel != nil {
		return fmt.Errorf("%w: %s already has a tunnel", ErrExists, a.Key)
	}
	if other, ok := m.indexes[RoleTunnel][a.Key]; ok && other != id {
		return fmt.Errorf("%w: %s", ErrExists, a.Key)
	}
	a.Tunnel = tunnel
	m.index(a)
	return nil
}

// Rekey moves the association id to newKey in every index and returns the
// key it was previously indexed under.
func (m *Mapper) Rekey(id uuid.UUID, newKey netip.AddrPort) (netip.AddrPort, error) {
	newKey = canonical(newKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.assocs[id]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	old := a.Key
	if old == newKey {
		return old, nil
	}
	for _, idx := range m.indexes {
		if other, ok := idx[newKey]; ok && other != id {
			return old, fmt.Errorf("%w: %s", ErrExists, newKey)
		}
	}

	m.unindex(a)
	a.Key = newKey
	m.index(a)

	log.Warn().Str("id", id.String()).Str("from", old.String()).Str("to", newKey.String()).Msg("udp association retargeted")
	return old, nil
}

// Remove tears down the association indexed under key for role, closing
// all of its sockets. It reports whether one was found.
func (m *Mapper) Remove(key netip.AddrPort, role Role) bool {
	key = canonical(key)

	m.mu.Lock()
	id, ok := m.indexes[role][key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	a := m.assocs[id]
	m.removeLocked(a)
	m.mu.Unlock()

	closeAll(a)
	return true
}

// Close tears down the association with the given id, closing all of its
// sockets. It reports whether one was found.
func (m *Mapper) Close(id uuid.UUID) bool {
	m.mu.Lock()
	a, ok := m.assocs[id]
	if ok {
		m.removeLocked(a)
	}
	m.mu.Unlock()

	if ok {
		closeAll(a)
	}
	return ok
}

func (m *Mapper) removeLocked(a *Association) {
	m.unindex(a)
	delete(m.assocs, a.ID)
}

// Len returns the number of live associations.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.assocs)
}

func closeAll(a *Association) {
	for _, c := range a.closers() {
		_ = c.Close()
	}
}
