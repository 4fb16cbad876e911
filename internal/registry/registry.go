// Package registry tracks which devices a backend currently exposes and
// notifies subscribers when devices appear or disappear. It generalizes a
// bus's attached-device tracking into a backend-agnostic, polling-based
// hotplug loop since usbipd devices can come and go on their own.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaygo/usbipd/internal/backend"
)

// Event describes a device appearing or disappearing from the backend.
type Event struct {
	Added bool
	Entry Entry
}

// Entry is one device as currently known to the registry.
type Entry struct {
	Locator    backend.Locator
	Descriptor backend.Descriptor
}

// Registry polls a backend for its device list and serves lookups by bus ID
// and by the packed devid the wire protocol uses.
type Registry struct {
	backend backend.UsbBackend
	logger  *slog.Logger

	mu      sync.RWMutex
	byBusID map[string]Entry

	subMu sync.Mutex
	subs  []chan Event
}

func New(b backend.UsbBackend, logger *slog.Logger) *Registry {
	return &Registry{
		backend: b,
		logger:  logger,
		byBusID: make(map[string]Entry),
	}
}

// Refresh re-enumerates the backend once, updating the known device set and
// emitting Added/removed events for anything that changed.
func (r *Registry) Refresh(ctx context.Context) error {
	locs, err := r.backend.Enumerate(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(locs))
	var added, removed []Entry

	for _, loc := range locs {
		seen[loc.BusID] = true
		r.mu.RLock()
		_, known := r.byBusID[loc.BusID]
		r.mu.RUnlock()
		if known {
			continue
		}
		desc, err := r.backend.Describe(ctx, loc)
		if err != nil {
			r.logger.Warn("describe failed during refresh", "bus_id", loc.BusID, "error", err)
			continue
		}
		entry := Entry{Locator: loc, Descriptor: desc}
		r.mu.Lock()
		r.byBusID[loc.BusID] = entry
		r.mu.Unlock()
		added = append(added, entry)
	}

	r.mu.Lock()
	for busID, entry := range r.byBusID {
		if !seen[busID] {
			removed = append(removed, entry)
			delete(r.byBusID, busID)
		}
	}
	r.mu.Unlock()

	for _, e := range added {
		r.publish(Event{Added: true, Entry: e})
	}
	for _, e := range removed {
		r.publish(Event{Added: false, Entry: e})
	}
	return nil
}

// Watch polls the backend at the given interval until ctx is canceled,
// publishing Added/removed events to Subscribe channels.
func (r *Registry) Watch(ctx context.Context, interval time.Duration) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error("initial device enumeration failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("device enumeration failed", "error", err)
			}
		}
	}
}

// Subscribe registers a channel that receives every future hotplug event.
// The caller must drain it; a full channel drops the event rather than
// blocking the registry.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("dropping hotplug event, subscriber channel full")
		}
	}
}

// List returns a snapshot of every currently known device, ordered by bus
// ID lexicographically (bus number then device number, numerically, to
// match the canonical "<busnum>-<devnum>" identifier) so OP_REP_DEVLIST
// output is deterministic across calls.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byBusID))
	for _, e := range r.byBusID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return busIDLess(out[i].Locator.BusID, out[j].Locator.BusID)
	})
	return out
}

// busIDLess orders two "<busnum>-<devnum>" identifiers numerically by each
// component, falling back to a plain string comparison for anything that
// doesn't parse so an unexpected format never panics or drops entries.
func busIDLess(a, b string) bool {
	an, ad, aok := splitBusID(a)
	bn, bd, bok := splitBusID(b)
	if !aok || !bok {
		return a < b
	}
	if an != bn {
		return an < bn
	}
	return ad < bd
}

func splitBusID(busID string) (bus, dev int, ok bool) {
	parts := strings.SplitN(busID, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	bus, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	dev, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, false
	}
	return bus, dev, true
}

// Lookup finds a device by its BusID string (e.g. "1-1").
func (r *Registry) Lookup(busID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byBusID[busID]
	return e, ok
}

// LookupDevID finds a device by the packed devid (busnum<<16 | devnum) an
// imported client presents on every subsequent URB.
func (r *Registry) LookupDevID(devid uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.byBusID {
		if e.Locator.DevID == devid {
			return e, true
		}
	}
	return Entry{}, false
}
