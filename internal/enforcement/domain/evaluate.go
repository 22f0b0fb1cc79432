// Package domain holds the limit policy shared by synchronous enforcement and
// the asynchronous alert check.
package domain

// Policy is the per-plan behaviour at and above a limit.
type Policy struct {
	SoftLimitThreshold float64
	HardCap            bool
}

// Evaluation describes usage measured against a limit.
type Evaluation struct {
	Percentage float64
	// Warn is set once usage reaches the soft threshold.
	Warn bool
	// Reached is set once usage is at or above the limit.
	Reached bool
	// Block is set when a hard-capped limit would be exceeded.
	Block bool
}

// EvaluateLimit compares usage with limit. A non-positive limit is unlimited.
func EvaluateLimit(usage, limit float64, policy Policy) Evaluation {
	if limit <= 0 {
		return Evaluation{}
	}
	pct := usage / limit * 100
	eval := Evaluation{
		Percentage: pct,
		Reached:    usage >= limit,
		Block:      policy.HardCap && usage > limit,
	}
	if !eval.Block && pct >= policy.SoftLimitThreshold*100 {
		eval.Warn = true
	}
	return eval
}
