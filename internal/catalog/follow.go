package catalog

import (
	"context"

	"github.com/chaz8081/rf433-gateway/internal/radio"
)

// Follow records every gateway the radio connects to as the device to
// reconnect to next time. It returns when ctx ends or sub is closed.
func (c *Catalog) Follow(ctx context.Context, sub *radio.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Kind != radio.EventState || e.State != radio.Connected || e.Device == "" {
				continue
			}
			cur := c.Device()
			if cur.Address == e.Device {
				continue
			}
			c.log.Info("recording gateway", "mac", e.Device)
			if err := c.SetDevice(ctx, Device{Address: e.Device}); err != nil {
				c.log.Warn("recording gateway failed", "error", err)
			}
		}
	}
}
