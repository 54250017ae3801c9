package core

import (
	"time"

	"github.com/encodeous/bativ/state"
)

// purge runs once per purge interval: it expires stale neighbors and
// originators and, in gateway client mode, re-runs the gateway election.
func (m *Mesh) purge() (time.Duration, error) {
	now := m.Clock.Now()
	res := m.Topology.Purge(now, m.PurgeTimeout, m.Ifaces.IsActive)
	for _, id := range res.Originators {
		m.Log.Debug(OriginatorPurged.String(), "orig", id)
		m.Gateways.Remove(id)
	}
	if res.Neighbors > 0 {
		m.Log.Debug(NeighborPurged.String(), "count", res.Neighbors)
	}
	m.Routes.Publish(res.Routes)
	m.Gateways.Elect()
	m.Engine.dropLog.DeleteExpired()
	return state.PurgeInterval, nil
}
