// Package catalog owns the persisted list of configured switches and the
// last gateway the service connected to.
//
// The Catalog is shared by every session. Mutations are applied in memory
// and written through to a Store immediately.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/rf433-gateway/internal/rfswitch"
)

// Catalog errors.
var (
	ErrNotFound = errors.New("catalog: no such switch")
	ErrCorrupt  = errors.New("catalog: stored data is corrupt")
)

// Device identifies a gateway peripheral.
type Device struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Snapshot is everything a Store persists.
type Snapshot struct {
	Switches []rfswitch.Switch
	Device   Device
}

// Store persists snapshots.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Close() error
}

// Catalog is the in-memory, write-through switch list.
type Catalog struct {
	store Store
	log   *slog.Logger

	mu       sync.RWMutex
	switches []rfswitch.Switch
	device   Device
}

// Open loads the catalog from store. A missing or unreadable catalog is
// logged and replaced by an empty one; it is never fatal.
func Open(ctx context.Context, store Store, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		store: store,
		log:   logger.With("component", "catalog"),
	}
	snap, err := store.Load(ctx)
	if err != nil {
		c.log.Warn("catalog unreadable, starting empty", "error", err)
		return c
	}
	c.switches = dedupe(snap.Switches)
	c.device = snap.Device
	c.log.Info("catalog loaded", "switches", len(c.switches))
	return c
}

// dedupe drops later entries whose codes repeat an earlier one.
func dedupe(list []rfswitch.Switch) []rfswitch.Switch {
	out := make([]rfswitch.Switch, 0, len(list))
	for _, s := range list {
		if rfswitch.Index(out, s) < 0 {
			out = append(out, s)
		}
	}
	return out
}

// List returns a copy of the switches in catalog order.
func (c *Catalog) List() []rfswitch.Switch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]rfswitch.Switch, len(c.switches))
	copy(out, c.switches)
	return out
}

// Len returns the number of switches.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.switches)
}

// Encode serializes the catalog as a JSON array.
func (c *Catalog) Encode() (string, error) {
	return rfswitch.EncodeList(c.List())
}

// Find returns the catalog entry with the same codes as target.
func (c *Catalog) Find(target rfswitch.Switch) (rfswitch.Switch, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := rfswitch.Index(c.switches, target)
	if i < 0 {
		return rfswitch.Switch{}, false
	}
	return c.switches[i], true
}

// Add appends sw unless a switch with the same codes exists, in which case
// the existing entry is returned with added=false and nothing is written.
func (c *Catalog) Add(ctx context.Context, sw rfswitch.Switch) (rfswitch.Switch, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := rfswitch.Index(c.switches, sw); i >= 0 {
		return c.switches[i], false, nil
	}
	c.switches = append(c.switches, sw)
	return sw, true, c.persistLocked(ctx)
}

// Rename replaces the name of the switch with target's codes.
func (c *Catalog) Rename(ctx context.Context, target rfswitch.Switch, name string) (rfswitch.Switch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := rfswitch.Index(c.switches, target)
	if i < 0 {
		return rfswitch.Switch{}, ErrNotFound
	}
	c.switches[i] = c.switches[i].Renamed(name)
	return c.switches[i], c.persistLocked(ctx)
}

// Delete removes the switch with target's codes and returns it.
func (c *Catalog) Delete(ctx context.Context, target rfswitch.Switch) (rfswitch.Switch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := rfswitch.Index(c.switches, target)
	if i < 0 {
		return rfswitch.Switch{}, ErrNotFound
	}
	removed := c.switches[i]
	c.switches = append(c.switches[:i:i], c.switches[i+1:]...)
	return removed, c.persistLocked(ctx)
}

// Device returns the last gateway recorded.
func (c *Catalog) Device() Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// SetDevice records the gateway to reconnect to.
func (c *Catalog) SetDevice(ctx context.Context, d Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == d {
		return nil
	}
	c.device = d
	return c.persistLocked(ctx)
}

func (c *Catalog) persistLocked(ctx context.Context) error {
	snap := Snapshot{
		Switches: make([]rfswitch.Switch, len(c.switches)),
		Device:   c.device,
	}
	copy(snap.Switches, c.switches)
	if err := c.store.Save(ctx, snap); err != nil {
		c.log.Error("persisting catalog failed", "error", err)
		return fmt.Errorf("catalog: persist: %w", err)
	}
	return nil
}
