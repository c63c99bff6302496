package domain

import "time"

const PaymentStatusPaid = "paid"

// PurchaseEvent is a checkout session confirmation delivered by the payment provider.
type PurchaseEvent struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	LicenseType   string    `json:"license_type"`
	Quantity      int       `json:"quantity"`
	PaymentStatus string    `json:"payment_status"`
	CreatedAt     time.Time `json:"created_at"`
}
