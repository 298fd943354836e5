package patterns

import (
	"math"
	"sort"
	"time"

	"github.com/mbd888/tiltguard/internal/idgen"
)

var typeOrder = []Type{TypePointer, TypeKeystroke, TypeCognitive, TypeStressEscalation, TypeRiskDelta}

// Cluster merges same-type patterns whose similarity exceeds
// ClusterThreshold into the feature-wise mean of their members. Each
// pattern counts Frequency times, so a merged cluster holds the plain mean
// of every raw signature in it regardless of merge order. Passes
// repeat until no pair exceeds the threshold, so Cluster(Cluster(p)) is
// equal to Cluster(p). The input is not modified.
func Cluster(ps []Pattern) []Pattern {
	groups := make(map[Type][]Pattern)
	var order []Type
	for _, p := range ps {
		if _, ok := groups[p.Type]; !ok {
			order = append(order, p.Type)
		}
		groups[p.Type] = append(groups[p.Type], p.clone())
	}

	out := make([]Pattern, 0, len(ps))
	for _, t := range order {
		out = append(out, clusterGroup(groups[t])...)
	}
	return out
}

func clusterGroup(g []Pattern) []Pattern {
	for {
		i, j, ok := closestPair(g)
		if !ok {
			return g
		}
		g[i] = merge(g[i], g[j])
		g = append(g[:j], g[j+1:]...)
	}
}

// closestPair finds the most similar pair above the threshold. Ties keep
// the earliest pair.
func closestPair(g []Pattern) (int, int, bool) {
	bi, bj, best := -1, -1, ClusterThreshold
	for i := 0; i < len(g); i++ {
		for j := i + 1; j < len(g); j++ {
			if s := Similarity(g[i].Signature, g[j].Signature); s > best {
				bi, bj, best = i, j, s
			}
		}
	}
	return bi, bj, bi >= 0
}

func merge(a, b Pattern) Pattern {
	wa, wb := float64(max(a.Frequency, 1)), float64(max(b.Frequency, 1))
	total := wa + wb

	out := a
	out.Signature = make(Signature, len(a.Signature)+len(b.Signature))
	for k, av := range a.Signature {
		if bv, ok := b.Signature[k]; ok {
			out.Signature[k] = (av*wa + bv*wb) / total
		} else {
			out.Signature[k] = av
		}
	}
	for k, bv := range b.Signature {
		if _, ok := a.Signature[k]; !ok {
			out.Signature[k] = bv
		}
	}
	out.RiskOutcome = (a.RiskOutcome*wa + b.RiskOutcome*wb) / total
	out.Accuracy = (a.Accuracy*wa + b.Accuracy*wb) / total
	out.Frequency = int(total)
	if b.LastSeen.After(a.LastSeen) {
		out.LastSeen = b.LastSeen
	}
	return out
}

// Mine turns an actor's observations into a clustered pattern set. It
// returns nil when there are fewer than MinHistory observations. Accuracy is
// carried over from the closest prior pattern of the same type when one is
// similar enough, otherwise it starts at InitialAccuracy.
func Mine(actorID string, obs []Observation, prior []Pattern, now time.Time) []Pattern {
	if len(obs) < MinHistory {
		return nil
	}

	sorted := append([]Observation(nil), obs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})

	var raw []Pattern
	add := func(t Type, sig Signature, o Observation) {
		raw = append(raw, Pattern{
			ActorID:     actorID,
			Type:        t,
			Signature:   sig,
			RiskOutcome: o.RiskScore,
			Frequency:   1,
			LastSeen:    o.ObservedAt,
			Accuracy:    InitialAccuracy,
		})
	}
	for i, o := range sorted {
		sigs := Extract(o.Summary, o.RiskScore)
		for _, t := range typeOrder {
			if sig, ok := sigs[t]; ok {
				add(t, sig, o)
			}
		}
		if i > 0 {
			if sig, ok := Sequence(sorted[i-1], o); ok {
				add(TypeRiskDelta, sig, o)
			}
		}
	}

	mined := Cluster(raw)
	for i := range mined {
		mined[i].ID = idgen.Pattern()
		mined[i].CreatedAt = now
		if acc, ok := carriedAccuracy(mined[i], prior); ok {
			mined[i].Accuracy = acc
		}
	}
	return mined
}

func carriedAccuracy(p Pattern, prior []Pattern) (float64, bool) {
	best, acc := ClusterThreshold, 0.0
	found := false
	for _, q := range prior {
		if q.Type != p.Type {
			continue
		}
		if s := Similarity(p.Signature, q.Signature); s > best {
			best, acc, found = s, q.Accuracy, true
		}
	}
	return acc, found
}

// Predict compares the current signatures with stored patterns. history is
// the number of scored observations the actor has; below MinHistory the
// neutral prediction is returned without consulting patterns.
func Predict(history int, cur map[Type]Signature, stored []Pattern) Prediction {
	if history < MinHistory {
		return NeutralPrediction()
	}

	var (
		simSum     float64
		compared   int
		weightSum  float64
		weightedAd float64
		matches    []Match
	)
	for _, t := range typeOrder {
		sig, ok := cur[t]
		if !ok {
			continue
		}
		for _, p := range stored {
			if p.Type != t {
				continue
			}
			sim := Similarity(sig, p.Signature)
			simSum += sim
			compared++
			if sim <= MatchThreshold {
				continue
			}
			w := sim * unit(p.Accuracy) * math.Log(float64(max(p.Frequency, 0))+1)
			adj := (p.RiskOutcome - 50) * AdjustmentFactor
			weightSum += w
			weightedAd += w * adj
			matches = append(matches, Match{
				PatternID:  p.ID,
				Type:       t,
				Similarity: sim,
				Weight:     w,
				Adjustment: adj,
			})
		}
	}

	pred := Prediction{Novelty: 1, Matches: matches}
	if compared > 0 {
		pred.Novelty = unit(1 - simSum/float64(compared))
	}
	if weightSum > 0 {
		pred.Adjustment = math.Max(-MaxAdjustment, math.Min(MaxAdjustment, weightedAd/weightSum))
		pred.Confidence = math.Min(weightSum/5, 1)
	}
	return pred
}

// Feedback returns the updated accuracy of every matched pattern given the
// risk score actually realized for the evaluation. Each accuracy moves by
// AccuracySmoothing toward 1 - |outcome - realized| / 100.
func Feedback(stored []Pattern, matches []Match, realized float64) map[string]float64 {
	if len(matches) == 0 {
		return nil
	}
	byID := make(map[string]Pattern, len(stored))
	for _, p := range stored {
		byID[p.ID] = p
	}
	out := make(map[string]float64, len(matches))
	for _, m := range matches {
		p, ok := byID[m.PatternID]
		if !ok {
			continue
		}
		hit := 1 - math.Abs(p.RiskOutcome-realized)/100
		out[p.ID] = unit((1-AccuracySmoothing)*unit(p.Accuracy) + AccuracySmoothing*unit(hit))
	}
	return out
}
