package model

import "strings"

// Tier is a user's plan for concurrent generation purposes
type Tier string

const (
	TierStandard Tier = "standard"
	TierElevated Tier = "elevated"
)

// ParseTier maps a user type label onto a tier. Unknown or empty labels are standard.
func ParseTier(label string) Tier {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "elevated", "premium", "pro", "paid":
		return TierElevated
	default:
		return TierStandard
	}
}

// AdmissionDecision is the result of an admission check
type AdmissionDecision struct {
	Admitted     bool `json:"admitted"`
	CurrentCount int  `json:"currentCount"`
	Limit        int  `json:"limit"`
	Remaining    int  `json:"remaining"`
	Tier         Tier `json:"tier"`
}
