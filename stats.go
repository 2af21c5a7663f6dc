package udrpc

import "github.com/montanaflynn/stats"

// EndpointStats is a point-in-time snapshot of one Endpoint's latency and
// session-occupancy profile, suitable for a periodic monitor display or a
// benchmark report.
type EndpointStats struct {
	ActiveSessions int
	Samples        int
	P50Micros      float64
	P99Micros      float64
	P999Micros     float64
	MeanMicros     float64

	LossAgeSamples   int
	LossAgeP50Micros float64
	LossAgeP99Micros float64
}

// Stats computes a latency percentile snapshot from the most recent RTT
// samples (up to rttTracker.cap of them) using montanaflynn/stats, the same
// statistics package this codebase's retrieval pack uses elsewhere for
// latency reporting.
func (e *Endpoint) Stats() EndpointStats {
	out := EndpointStats{ActiveSessions: e.NumActiveSessions(), Samples: len(e.rtt.samplesMicros)}
	if out.Samples == 0 {
		return out
	}
	data := stats.LoadRawData(e.rtt.samplesMicros)
	if v, err := data.Percentile(50); err == nil {
		out.P50Micros = v
	}
	if v, err := data.Percentile(99); err == nil {
		out.P99Micros = v
	}
	if v, err := data.Percentile(99.9); err == nil {
		out.P999Micros = v
	}
	if v, err := data.Mean(); err == nil {
		out.MeanMicros = v
	}
	if n := len(e.lossAges.samplesMicros); n > 0 {
		out.LossAgeSamples = n
		lossData := stats.LoadRawData(e.lossAges.samplesMicros)
		if v, err := lossData.Percentile(50); err == nil {
			out.LossAgeP50Micros = v
		}
		if v, err := lossData.Percentile(99); err == nil {
			out.LossAgeP99Micros = v
		}
	}
	return out
}
