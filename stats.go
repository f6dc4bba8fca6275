package iprotod

import (
	"pkt.systems/iprotod/internal/ierr"
	"pkt.systems/iprotod/internal/stats"
)

// Stats is a point-in-time view of the live gauges and cumulative totals.
type Stats = stats.Snapshot

// StatTotals are the cumulative counters inside Stats.
type StatTotals = stats.Totals

// RmeanFunc receives one rolling mean: its name, the per-second rate over
// the last five seconds, and the cumulative total.
type RmeanFunc = stats.ForeachFunc

// Rolling mean names reported by RmeanForeach.
const (
	RmeanSent                  = stats.NameSent
	RmeanReceived              = stats.NameReceived
	RmeanConnections           = stats.NameConnections
	RmeanStreams               = stats.NameStreams
	RmeanRequests              = stats.NameRequests
	RmeanRequestsInProgress    = stats.NameRequestsInProgress
	RmeanRequestsInStreamQueue = stats.NameRequestsInStreamQueue
)

// Stats sums the statistics of every network thread.
func (s *Server) Stats() Stats {
	snaps := make([]stats.Snapshot, 0, len(s.threads))
	for _, th := range s.threads {
		snaps = append(snaps, th.Counters().Snapshot())
	}
	return stats.Sum(snaps...)
}

// ThreadStats returns the statistics of one network thread.
func (s *Server) ThreadStats(id int) (Stats, error) {
	if id < 0 || id >= len(s.threads) {
		return Stats{}, ierr.InvalidThread(id, len(s.threads))
	}
	return s.threads[id].Counters().Snapshot(), nil
}

// ResetStat zeroes cumulative totals and rolling means on every thread.
// Live gauges are kept.
func (s *Server) ResetStat() {
	for _, th := range s.threads {
		th.Counters().Reset()
	}
	s.logger.Info("iproto.server.stats_reset")
}

// RmeanForeach reports every rolling mean summed across threads. It stops at
// the first error returned by cb.
func (s *Server) RmeanForeach(cb RmeanFunc) error {
	rmeans := make([]*stats.Rmean, 0, len(s.threads))
	for _, th := range s.threads {
		rmeans = append(rmeans, th.Counters().Rmean())
	}
	return stats.Merge(rmeans, cb)
}

// ThreadRmeanForeach reports the rolling means of one network thread.
func (s *Server) ThreadRmeanForeach(id int, cb RmeanFunc) error {
	if id < 0 || id >= len(s.threads) {
		return ierr.InvalidThread(id, len(s.threads))
	}
	return s.threads[id].Counters().Rmean().Foreach(cb)
}
