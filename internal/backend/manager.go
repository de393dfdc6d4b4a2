package backend

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quadre-code/domainrpc/internal/protocol"
	"github.com/quadre-code/domainrpc/internal/transport"
)

// Manager tracks the live connections of a server.
type Manager struct {
	conns sync.Map // map[string]*Connection
	log   zerolog.Logger
}

// NewManager returns an empty manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{log: log}
}

// Add starts tracking c.
func (m *Manager) Add(c *Connection) {
	m.conns.Store(c.ID(), c)
}

// Remove stops tracking c.
func (m *Manager) Remove(c *Connection) {
	m.conns.Delete(c.ID())
}

// Get returns a connection by id.
func (m *Manager) Get(id string) (*Connection, bool) {
	if c, ok := m.conns.Load(id); ok {
		return c.(*Connection), true
	}
	return nil, false
}

// Len returns the number of tracked connections.
func (m *Manager) Len() int {
	n := 0
	m.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// BroadcastEvent sends ev to every live connection. The frame is encoded once.
func (m *Manager) BroadcastEvent(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		m.log.Error().Err(err).Str("domain", ev.Domain).Str("event", ev.Event).Msg("failed to encode event")
		return
	}
	frame := transport.Text(data)

	m.conns.Range(func(_, value any) bool {
		c := value.(*Connection)
		if !c.IsAlive() {
			return true
		}
		if err := c.send(frame); err != nil {
			m.log.Debug().Err(err).Str("conn", c.ID()).Msg("failed to deliver event")
		}
		return true
	})
}

// CloseAll closes every connection. A failure to close one connection does
// not stop the sweep.
func (m *Manager) CloseAll() {
	m.conns.Range(func(key, value any) bool {
		c := value.(*Connection)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.log.Error().Interface("panic", rec).Str("conn", c.ID()).Msg("close failed")
				}
			}()
			if err := c.Close(); err != nil {
				m.log.Warn().Err(err).Str("conn", c.ID()).Msg("close failed")
			}
		}()
		m.conns.Delete(key)
		return true
	})
}
