package registry

import "time"

// Stats is the rolling counter block of one tenant.
//
// KeysAdded and KeysRemoved only grow. TotalKeys always equals the size of
// the authoritative set and is recomputed on every mutation.
type Stats struct {
	KeysAdded          uint64     `json:"keys_added"`
	KeysRemoved        uint64     `json:"keys_removed"`
	SuccessfulClaims   uint64     `json:"successful_claims"`
	FailedClaims       uint64     `json:"failed_claims"`
	LastClaimTimestamp *time.Time `json:"last_claim_timestamp"`
	TotalKeys          int        `json:"total_keys"`
}

// TotalClaims returns successful plus failed claims.
func (s Stats) TotalClaims() uint64 {
	return s.SuccessfulClaims + s.FailedClaims
}

func (s Stats) clone() Stats {
	if s.LastClaimTimestamp != nil {
		ts := *s.LastClaimTimestamp
		s.LastClaimTimestamp = &ts
	}
	return s
}
