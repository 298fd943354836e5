package baseline

import (
	"math"
	"sort"
	"time"

	"github.com/mbd888/tiltguard/internal/signals"
)

// Usable filters records to executed trades with a finite recorded P&L and
// orders them oldest first.
func Usable(records []TradeRecord) []TradeRecord {
	var out []TradeRecord
	for _, r := range records {
		if r.Executed && r.PnL != nil && finite(*r.PnL) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out
}

// DefaultRecommendation is returned when there is too little usable data.
func DefaultRecommendation(actorID string, current *signals.Baseline, records int, reason string) Optimization {
	cur := FromBaseline(current)
	return Optimization{
		ActorID:          actorID,
		Current:          cur,
		Optimal:          DefaultThresholds(),
		Adjusted:         cur,
		Confidence:       DefaultConfidence,
		LearningProgress: learningProgress(records),
		Records:          records,
		Default:          true,
		Reason:           reason,
	}
}

// Recommend analyses an actor's trade records against the current
// baseline. It is pure; callers decide whether to apply the result.
func Recommend(actorID string, records []TradeRecord, current *signals.Baseline) Optimization {
	usable := Usable(records)
	n := len(usable)
	if n < MinRecords {
		return DefaultRecommendation(actorID, current, n, "not enough completed trades")
	}

	cur := FromBaseline(current)
	opt := Optimization{
		ActorID:          actorID,
		Current:          cur,
		Optimal:          cur,
		Records:          n,
		Metrics:          computeMetrics(usable),
		LearningProgress: learningProgress(n),
	}

	buckets := stressBuckets(usable)
	if top := topBuckets(buckets); len(top) > 0 {
		r := StressRange{Min: math.Inf(1), Max: math.Inf(-1)}
		best := 0.0
		for _, b := range top {
			r.Min = math.Min(r.Min, b.stress)
			r.Max = math.Max(r.Max, b.stress)
			best = math.Max(best, b.winRate)
		}
		opt.OptimalStress = &r
		opt.Optimal.StressThreshold = r.Max
		opt.EstimatedImprovement = clamp((best-opt.Metrics.WinRate)*100, 0, MaxImprovementPct)
	}

	med := topQuartileMedians(usable)
	if med.ReactionTime != nil {
		opt.Optimal.ReactionTime = *med.ReactionTime
	}
	if med.Accuracy != nil {
		opt.Optimal.Accuracy = *med.Accuracy
	}
	if med.PointerStability != nil {
		opt.Optimal.PointerStability = *med.PointerStability
	}
	if med.KeystrokeRhythm != nil {
		opt.Optimal.KeystrokeRhythm = *med.KeystrokeRhythm
	}

	opt.Confidence = confidence(usable)
	opt.Adjusted = Smooth(cur, opt.Optimal, opt.Confidence)
	return opt
}

// ShouldApply reports whether a recommendation is strong enough to write.
func ShouldApply(o Optimization) bool {
	return !o.Default && o.Confidence > ApplyConfidence && o.EstimatedImprovement > ApplyImprovementPct
}

// SmoothingFactor is the fraction of the gap closed per application, 5% at
// zero confidence rising to 10% at full confidence.
func SmoothingFactor(confidence float64) float64 {
	return 0.05 + 0.05*clamp(confidence, 0, 1)
}

// Smooth moves each current value toward its optimum by SmoothingFactor.
func Smooth(current, optimal Thresholds, confidence float64) Thresholds {
	a := SmoothingFactor(confidence)
	step := func(c, o float64) float64 { return c + a*(o-c) }
	return Thresholds{
		ReactionTime:     step(current.ReactionTime, optimal.ReactionTime),
		Accuracy:         step(current.Accuracy, optimal.Accuracy),
		PointerStability: step(current.PointerStability, optimal.PointerStability),
		KeystrokeRhythm:  step(current.KeystrokeRhythm, optimal.KeystrokeRhythm),
		StressThreshold:  step(current.StressThreshold, optimal.StressThreshold),
	}
}

// Apply writes the adjusted thresholds into a copy of current. Dispersion
// values and the calibration count are kept.
func Apply(actorID string, current *signals.Baseline, o Optimization, now time.Time) *signals.Baseline {
	out := &signals.Baseline{ActorID: actorID}
	if current != nil {
		*out = *current
	}
	out.ReactionTimeMean = o.Adjusted.ReactionTime
	out.AccuracyMean = o.Adjusted.Accuracy
	out.PointerStabilityMean = o.Adjusted.PointerStability
	out.KeystrokeRhythmMean = o.Adjusted.KeystrokeRhythm
	out.StressThreshold = o.Adjusted.StressThreshold
	if out.CalibrationCount == 0 {
		out.CalibrationCount = 1
	}
	out.LastCalibrated = now
	return out
}

func learningProgress(n int) float64 {
	return math.Min(float64(n)/100, 1)
}

func won(r TradeRecord) bool { return *r.PnL > 0 }

func computeMetrics(rs []TradeRecord) Metrics {
	m := Metrics{Trades: len(rs)}
	if len(rs) == 0 {
		return m
	}
	pnls := make([]float64, len(rs))
	wins := 0
	var equity, peak float64
	for i, r := range rs {
		pnls[i] = *r.PnL
		if won(r) {
			wins++
		}
		equity += *r.PnL
		peak = math.Max(peak, equity)
		m.MaxDrawdown = math.Max(m.MaxDrawdown, peak-equity)
	}
	m.WinRate = float64(wins) / float64(len(rs))
	m.MeanPnL = mean(pnls)
	if sd := stddev(pnls); sd > 0 {
		m.Sharpe = m.MeanPnL / sd
	}
	return m
}

type bucket struct {
	stress  float64
	trades  int
	winRate float64
	avgPnL  float64
	score   float64
}

// stressBuckets groups records by rounded self-reported stress and keeps
// buckets with at least MinBucketTrades trades, scored by
// 0.6×winRate + 0.4×normalized average P&L.
func stressBuckets(rs []TradeRecord) []bucket {
	type acc struct {
		wins int
		pnls []float64
	}
	groups := make(map[int]*acc)
	for _, r := range rs {
		v, ok := signals.StressRating(r.SelfReportedStress)
		if !ok {
			continue
		}
		k := int(math.Round(v))
		if groups[k] == nil {
			groups[k] = &acc{}
		}
		groups[k].pnls = append(groups[k].pnls, *r.PnL)
		if won(r) {
			groups[k].wins++
		}
	}

	var out []bucket
	for k, g := range groups {
		if len(g.pnls) < MinBucketTrades {
			continue
		}
		out = append(out, bucket{
			stress:  float64(k),
			trades:  len(g.pnls),
			winRate: float64(g.wins) / float64(len(g.pnls)),
			avgPnL:  mean(g.pnls),
		})
	}
	if len(out) == 0 {
		return nil
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range out {
		lo = math.Min(lo, b.avgPnL)
		hi = math.Max(hi, b.avgPnL)
	}
	for i := range out {
		norm := 0.5
		if hi > lo {
			norm = (out[i].avgPnL - lo) / (hi - lo)
		}
		out[i].score = 0.6*out[i].winRate + 0.4*norm
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].stress < out[j].stress
	})
	return out
}

// topBuckets keeps the best 30% (at least one) of the scored buckets.
func topBuckets(bs []bucket) []bucket {
	if len(bs) == 0 {
		return nil
	}
	k := int(math.Ceil(TopBucketFraction * float64(len(bs))))
	return bs[:max(k, 1)]
}

type targets struct {
	ReactionTime, Accuracy, PointerStability, KeystrokeRhythm *float64
}

// topQuartileMedians takes the top quarter of records by P&L and returns
// the median of each biometric among them.
func topQuartileMedians(rs []TradeRecord) targets {
	sorted := append([]TradeRecord(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return *sorted[i].PnL > *sorted[j].PnL })
	top := sorted[:max(int(math.Ceil(float64(len(sorted))/4)), 1)]

	collect := func(get func(TradeRecord) *float64) *float64 {
		var vs []float64
		for _, r := range top {
			if v := get(r); v != nil && finite(*v) {
				vs = append(vs, *v)
			}
		}
		if len(vs) == 0 {
			return nil
		}
		m := median(vs)
		return &m
	}
	return targets{
		ReactionTime:     collect(func(r TradeRecord) *float64 { return r.ReactionTimeMean }),
		Accuracy:         collect(func(r TradeRecord) *float64 { return r.Accuracy }),
		PointerStability: collect(func(r TradeRecord) *float64 { return r.PointerStability }),
		KeystrokeRhythm:  collect(func(r TradeRecord) *float64 { return r.KeystrokeRhythm }),
	}
}

// confidence = data volume (≤0.4) + performance stability (≤0.3) +
// stress/P&L correlation clarity (≤0.3).
func confidence(rs []TradeRecord) float64 {
	n := len(rs)
	volume := 0.4 * math.Min(float64(n)/50, 1)

	half := n / 2
	stability := 0.3 * (1 - math.Abs(winRate(rs[:half])-winRate(rs[half:])))

	var xs, ys []float64
	for _, r := range rs {
		if v, ok := signals.StressRating(r.SelfReportedStress); ok {
			xs = append(xs, v)
			ys = append(ys, *r.PnL)
		}
	}
	clarity := 0.3 * math.Abs(pearson(xs, ys))

	return clamp(volume+stability+clarity, 0, 1)
}

func winRate(rs []TradeRecord) float64 {
	if len(rs) == 0 {
		return 0
	}
	wins := 0
	for _, r := range rs {
		if won(r) {
			wins++
		}
	}
	return float64(wins) / float64(len(rs))
}
