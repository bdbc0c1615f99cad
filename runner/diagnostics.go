package runner

import (
	"sort"
	"time"

	"github.com/notargets/MeshLoop/plan"
)

// KernelRecord accumulates the cost of every invocation of one kernel
type KernelRecord struct {
	Name      string
	Count     int
	Time      time.Duration
	Transfer  float64 // bytes moved with working set reuse
	Transfer2 float64 // bytes moved without reuse
	HaloSent  int64
	HaloRecv  int64
}

func (r *Runner) record(name string, p *plan.Plan, elapsed time.Duration, sent, recv int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kr, ok := r.records[name]
	if !ok {
		kr = &KernelRecord{Name: name}
		r.records[name] = kr
	}
	kr.Count++
	kr.Time += elapsed
	kr.Transfer += p.Transfer
	kr.Transfer2 += p.Transfer2
	kr.HaloSent += sent
	kr.HaloRecv += recv
}

// Diagnostics returns a copy of the kernel records sorted by name
func (r *Runner) Diagnostics() []KernelRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KernelRecord, 0, len(r.records))
	for _, kr := range r.records {
		out = append(out, *kr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogDiagnostics writes one info line per kernel plus the plan cache and halo
// totals
func (r *Runner) LogDiagnostics() {
	for _, kr := range r.Diagnostics() {
		ev := r.log.Info().
			Str("kernel", kr.Name).
			Int("count", kr.Count).
			Dur("time", kr.Time).
			Int64("halo_sent", kr.HaloSent).
			Int64("halo_recv", kr.HaloRecv)
		if secs := kr.Time.Seconds(); secs > 0 {
			ev = ev.Float64("GB/s", kr.Transfer/secs/1e9)
		}
		ev.Msg("kernel")
	}
	cs := r.plans.Stats()
	hs := r.exchanger.Stats()
	r.log.Info().
		Int("plans", r.plans.Len()).
		Int("plan_hits", cs.Hits).
		Int("plan_misses", cs.Misses).
		Int("plan_rebuilds", cs.Rebuilds).
		Int("exchanges", hs.Exchanges).
		Int("exchanges_skipped", hs.Skipped).
		Int64("bytes_sent", hs.BytesSent).
		Int64("bytes_received", hs.BytesReceived).
		Msg("runtime totals")
}
