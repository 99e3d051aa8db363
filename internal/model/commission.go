package model

import "time"

// CommissionStatus is the lifecycle state of a commission
type CommissionStatus string

const (
	CommissionStatusOpen       CommissionStatus = "open"
	CommissionStatusAccepted   CommissionStatus = "accepted"
	CommissionStatusInProgress CommissionStatus = "in_progress"
	CommissionStatusCompleted  CommissionStatus = "completed"
	CommissionStatusCancelled  CommissionStatus = "cancelled"
)

var commissionStatusRank = map[CommissionStatus]int{
	CommissionStatusOpen:       0,
	CommissionStatusAccepted:   1,
	CommissionStatusInProgress: 2,
	CommissionStatusCompleted:  3,
	CommissionStatusCancelled:  4,
}

// Valid reports whether s is a known status
func (s CommissionStatus) Valid() bool {
	_, ok := commissionStatusRank[s]
	return ok
}

// Terminal reports whether no further transitions are allowed out of s
func (s CommissionStatus) Terminal() bool {
	return s == CommissionStatusCompleted || s == CommissionStatusCancelled
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
// Any non-terminal commission may be cancelled.
func (s CommissionStatus) CanTransition(next CommissionStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == CommissionStatusCancelled {
		return true
	}
	return commissionStatusRank[next] > commissionStatusRank[s]
}

// Commission represents a paid art agreement between a buyer and an artist
type Commission struct {
	ID                    int64            `json:"id"`
	ArtistID              string           `json:"artistId"`
	BuyerID               string           `json:"buyerId"`
	Price                 int64            `json:"price"` // minor currency units
	PriceUnit             string           `json:"priceUnit"`
	NumUpdates            int              `json:"numUpdates"`
	Deadline              time.Time        `json:"deadline"`
	Status                CommissionStatus `json:"status"`
	StripeChargeID        *string          `json:"stripeChargeId,omitempty"`
	StripeRefundID        *string          `json:"stripeRefundId,omitempty"`
	ArtistStripeAccountID *string          `json:"-"`
	PaymentConfirmedAt    *time.Time       `json:"paymentConfirmedAt,omitempty"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// HasCharge reports whether the buyer's payment was captured
func (c *Commission) HasCharge() bool {
	return c.StripeChargeID != nil && *c.StripeChargeID != ""
}

// Update is a single milestone of a commission, keyed by (CommissionID, UpdateNum)
type Update struct {
	CommissionID int64     `json:"commissionId"`
	UpdateNum    int       `json:"updateNum"`
	Pictures     []string  `json:"pictures"`
	Delays       int       `json:"delays"`
	Waived       bool      `json:"waived"`
	Completed    bool      `json:"completed"`
	DueAt        time.Time `json:"dueAt"`
}

// Delivered reports whether the artist handed in the milestone or the buyer waived it
func (u *Update) Delivered() bool {
	return len(u.Pictures) > 0 || u.Waived
}

// TransactionKind distinguishes buyer deposits from artist payouts
type TransactionKind string

const (
	TransactionKindDeposit TransactionKind = "deposit"
	TransactionKindPayout  TransactionKind = "payout"
)

// Transaction is a money movement recorded against a commission.
// Deposits carry no UpdateNum.
type Transaction struct {
	ID           int64           `json:"id"`
	CommissionID int64           `json:"commissionId"`
	UpdateNum    *int            `json:"updateNum,omitempty"`
	Kind         TransactionKind `json:"kind"`
	Amount       int64           `json:"amount"`
	StripeRef    string          `json:"stripeRef"`
	CreatedAt    time.Time       `json:"createdAt"`
}
