package fec

// Tuple is a (data shards, parity shards) pair.
type Tuple struct {
	DataShards   int
	ParityShards int
}

// Loss-rate thresholds (percent) for stepping between shard tuples.
const (
	LowLossThreshold  = 1.0
	HighLossThreshold = 5.0

	emaAlpha = 0.25
)

// candidateTuples is the ladder AdaptivePolicy selects from, ordered from
// least to most parity overhead.
var candidateTuples = []Tuple{
	{DataShards: 16, ParityShards: 2},
	{DataShards: 8, ParityShards: 2},
	{DataShards: 4, ParityShards: 2},
}

// AdaptivePolicy tracks an exponential moving average of observed shard
// loss and selects a shard tuple from candidateTuples: low loss keeps
// parity overhead small (16+2), rising loss steps down toward heavier
// parity (4+2).
type AdaptivePolicy struct {
	ema   float64
	idx   int
	ready bool
}

// NewAdaptivePolicy starts at the lightest tuple (16+2) until the first
// sample arrives.
func NewAdaptivePolicy() *AdaptivePolicy {
	return &AdaptivePolicy{idx: 0}
}

// Update folds in a new loss-rate sample (percent of shards lost in the
// most recent window) and returns the tuple the policy now recommends.
func (p *AdaptivePolicy) Update(lossPercent float64) Tuple {
	if !p.ready {
		p.ema = lossPercent
		p.ready = true
	} else {
		p.ema = emaAlpha*lossPercent + (1-emaAlpha)*p.ema
	}

	switch {
	case p.ema >= HighLossThreshold:
		p.idx = len(candidateTuples) - 1
	case p.ema >= LowLossThreshold:
		p.idx = 1
	default:
		p.idx = 0
	}
	return candidateTuples[p.idx]
}

// Current returns the tuple last selected, without folding in a new
// sample (the lightest tuple before the first Update call).
func (p *AdaptivePolicy) Current() Tuple {
	return candidateTuples[p.idx]
}
