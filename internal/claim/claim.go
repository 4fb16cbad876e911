// Package claim serializes exclusive ownership of a device's backend.Handle
// across concurrent client connections: only one connection may import a
// given device at a time, mirroring the single-owner semantics a real
// kernel USB/IP export enforces.
package claim

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/usbiperr"
)

// Owner is an opaque token identifying the connection holding a claim, used
// so ReleaseAllOwnedBy can clean up after a connection drops without
// tracking handles externally.
type Owner any

type claimedDevice struct {
	handle backend.Handle
	owner  Owner
}

// Manager hands out exclusive device claims, opening the backend handle when
// a device is claimed and closing it when that claim is released.
type Manager struct {
	b backend.UsbBackend

	mu     sync.Mutex
	claims map[string]claimedDevice // busID -> current claim
}

func New(b backend.UsbBackend) *Manager {
	return &Manager{b: b, claims: make(map[string]claimedDevice)}
}

// Claim opens and exclusively claims loc on behalf of owner. It fails with
// ClaimUnavailable if another owner already holds the device.
func (m *Manager) Claim(ctx context.Context, loc backend.Locator, owner Owner) (backend.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.claims[loc.BusID]; ok {
		return nil, usbiperr.New(usbiperr.ClaimUnavailable, fmt.Sprintf("device %s already claimed", loc.BusID))
	}

	h, err := m.b.Open(ctx, loc)
	if err != nil {
		return nil, usbiperr.Wrap(usbiperr.DeviceNotPresent, err, fmt.Sprintf("open %s", loc.BusID))
	}
	m.claims[loc.BusID] = claimedDevice{handle: h, owner: owner}
	return h, nil
}

// Release gives up busID's claim, closing the underlying handle.
func (m *Manager) Release(busID string) error {
	m.mu.Lock()
	c, ok := m.claims[busID]
	if ok {
		delete(m.claims, busID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.handle.Close()
}

// ReleaseAllOwnedBy releases every claim held by owner, used when a client
// connection drops so its imported devices become available again.
func (m *Manager) ReleaseAllOwnedBy(owner Owner) {
	m.mu.Lock()
	var toClose []backend.Handle
	for busID, c := range m.claims {
		if c.owner == owner {
			toClose = append(toClose, c.handle)
			delete(m.claims, busID)
		}
	}
	m.mu.Unlock()
	for _, h := range toClose {
		_ = h.Close()
	}
}

// IsClaimed reports whether busID currently has an owner.
func (m *Manager) IsClaimed(busID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.claims[busID]
	return ok
}

// ClaimedBusIDs returns the bus IDs currently claimed, for status reporting.
func (m *Manager) ClaimedBusIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.claims))
	for busID := range m.claims {
		ids = append(ids, busID)
	}
	return ids
}
