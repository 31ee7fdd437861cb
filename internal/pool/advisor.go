package pool

import "fmt"

// Advice is the informational output of the optimization advisor. It never
// mutates pool state.
type Advice struct {
	Recommendations []string
	// Score rates how well the pool is being used, in [0,1].
	Score float64
}

// Advise inspects a stats snapshot and surfaces tuning recommendations plus
// an optimization score: 0.4 on hit rate, 0.3 on utilization landing in the
// 50-90% band, 0.3 on average reuse.
func Advise(s Stats) Advice {
	var recs []string

	if s.TotalRequests > 0 && s.HitRate < 0.5 {
		recs = append(recs, fmt.Sprintf(
			"hit rate %.0f%% is low; clients rarely reuse connections, consider longer idle timeouts", s.HitRate*100))
	}
	if s.Utilization > 90 {
		recs = append(recs, fmt.Sprintf(
			"pool at %.0f%% capacity; raise max_connections or shorten idle timeouts", s.Utilization))
	}
	if s.Utilization < 50 && s.Size > 0 {
		recs = append(recs, fmt.Sprintf(
			"pool at %.0f%% capacity; max_connections could be lowered", s.Utilization))
	}
	if s.ForcedCloses > s.TimeoutCloses && s.ForcedCloses > 0 {
		recs = append(recs, "evictions outpace idle timeouts; the pool is under capacity pressure")
	}
	if len(recs) == 0 {
		recs = append(recs, "pool tuning looks healthy")
	}

	hitComponent := 2 * s.HitRate
	if hitComponent > 1 {
		hitComponent = 1
	}
	utilComponent := 0.0
	if s.Utilization >= 50 && s.Utilization <= 90 {
		utilComponent = 1
	}
	return Advice{
		Recommendations: recs,
		Score:           0.4*hitComponent + 0.3*utilComponent + 0.3*s.AvgReuseRate,
	}
}
