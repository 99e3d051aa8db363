package model

// Task names. Each doubles as the prefix of the deterministic job ids of its family.
const (
	TaskCheckPayment = "commissionCheckPayment"
	TaskCheckUpdate  = "commissionCheckUpdate"
	TaskPayout       = "commissionPayout"
	TaskCancel       = "commissionCancel"
)

// PaymentCheck is the state carried by a payment watchdog job
type PaymentCheck struct {
	CommissionID int64 `json:"commissionId"`
	Late         int   `json:"late"`
}

// Next returns the state of the following day's check
func (p PaymentCheck) Next() PaymentCheck {
	return PaymentCheck{CommissionID: p.CommissionID, Late: p.Late + 1}
}

// CancelRequest identifies the milestone from which a commission is unwound
type CancelRequest struct {
	CommissionID int64 `json:"commissionId"`
	UpdateNum    int   `json:"updateNum"`
}

// UpdateCheck is the payload of a milestone watchdog job
type UpdateCheck struct {
	CommissionID int64 `json:"commissionId"`
	UpdateNum    int   `json:"updateNum"`
}

// Payout is the payload of a milestone payout job
type Payout struct {
	CommissionID int64 `json:"commissionId"`
	UpdateNum    int   `json:"updateNum"`
}
