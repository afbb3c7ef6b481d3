// Package model provides tier-based model selection for worker dispatch.
// Instead of hardcoding model names, the manager specifies a brain tier
// (low, medium, high) and the registry resolves it to available models
// with fallback chains.
package model

// Tier represents a brain capability class for model selection.
// Instead of specifying "claude-sonnet", callers specify "medium".
type Tier string

const (
	// TierLow is for mechanical transforms and simple extraction.
	TierLow Tier = "low"

	// TierMedium is for standard document analysis and mapping.
	TierMedium Tier = "medium"

	// TierHigh is for heavy reasoning: takeoff math, pricing, visual content.
	TierHigh Tier = "high"
)

// IsValid checks if a tier string is a known tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// String returns the string representation of the tier.
func (t Tier) String() string {
	return string(t)
}

// ParseTier converts a string to a Tier, returning empty for invalid values.
func ParseTier(s string) Tier {
	tier := Tier(s)
	if tier.IsValid() {
		return tier
	}
	return ""
}
