// Package budget enforces LLM spend limits: a per-job token tracker owned by
// one extraction job, and a process-wide daily cost circuit breaker backed by
// a shared Redis counter.
package budget

// Tracker is a per-job token budget. It is a value type owned by a single
// extraction job and is not safe for concurrent use; the per-message
// pipeline is strictly sequential.
type Tracker struct {
	maxTokens    int
	inputTokens  int
	outputTokens int

	inputCostPerMillion  float64
	outputCostPerMillion float64
}

// NewTracker creates a tracker with the per-job cap and the cost model.
func NewTracker(maxTokens int, inputCostPerMillion, outputCostPerMillion float64) Tracker {
	return Tracker{
		maxTokens:            maxTokens,
		inputCostPerMillion:  inputCostPerMillion,
		outputCostPerMillion: outputCostPerMillion,
	}
}

// CheckBudget reports whether an estimated spend still fits under the cap.
func (t *Tracker) CheckBudget(estimatedTokens int) bool {
	return t.Remaining() >= estimatedTokens
}

// AddUsage records consumed tokens.
func (t *Tracker) AddUsage(input, output int) {
	t.inputTokens += input
	t.outputTokens += output
}

// Used returns total tokens consumed so far.
func (t *Tracker) Used() int {
	return t.inputTokens + t.outputTokens
}

// Remaining returns tokens left under the hard ceiling, never negative.
func (t *Tracker) Remaining() int {
	r := t.maxTokens - t.Used()
	if r < 0 {
		return 0
	}
	return r
}

// SoftWarning reports whether usage crossed 80% of the cap.
func (t *Tracker) SoftWarning() bool {
	return float64(t.Used()) >= 0.8*float64(t.maxTokens)
}

// EstimateCostUSD prices the recorded usage with the configured cost model.
func (t *Tracker) EstimateCostUSD() float64 {
	return float64(t.inputTokens)/1_000_000*t.inputCostPerMillion +
		float64(t.outputTokens)/1_000_000*t.outputCostPerMillion
}

// EstimateCallCostUSD prices a hypothetical call, for breaker pre-checks.
func (t *Tracker) EstimateCallCostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1_000_000*t.inputCostPerMillion +
		float64(outputTokens)/1_000_000*t.outputCostPerMillion
}
