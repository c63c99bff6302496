package domain

import "time"

const DefaultLicenseType = "standard"

// LicenseGrant is the seat pool one organization holds for one license type.
type LicenseGrant struct {
	OrganizationID string
	LicenseType    string
	TotalSeats     int
	UsedSeats      int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (g LicenseGrant) Available() int {
	if g.UsedSeats >= g.TotalSeats {
		return 0
	}
	return g.TotalSeats - g.UsedSeats
}

// Valid reports whether 0 <= used <= total holds.
func (g LicenseGrant) Valid() bool {
	return g.UsedSeats >= 0 && g.UsedSeats <= g.TotalSeats
}

type GrantRequest struct {
	OrganizationID string
	LicenseType    string
	Count          int
	IdempotencyKey string
}

// GrantResult is returned by a grant. Replayed is set when the idempotency key
// had already been consumed and Grant is the snapshot recorded at that time.
type GrantResult struct {
	Grant    LicenseGrant
	Replayed bool
}

type PoolUtilization struct {
	LicenseType string  `json:"license_type"`
	TotalSeats  int     `json:"total_seats"`
	UsedSeats   int     `json:"used_seats"`
	PercentUsed float64 `json:"percent_used"`
}

func NewPoolUtilization(g LicenseGrant) PoolUtilization {
	u := PoolUtilization{
		LicenseType: g.LicenseType,
		TotalSeats:  g.TotalSeats,
		UsedSeats:   g.UsedSeats,
	}
	if g.TotalSeats > 0 {
		u.PercentUsed = float64(g.UsedSeats) / float64(g.TotalSeats) * 100
	}
	return u
}
