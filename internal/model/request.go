package model

import "time"

// FinalizeResponse is returned once a negotiation has been finalized
type FinalizeResponse struct {
	CommissionID int64            `json:"commissionId"`
	Status       CommissionStatus `json:"status"`
	Deadline     time.Time        `json:"deadline"`
	Milestones   []time.Time      `json:"milestones"`
}

// DepositRequest records the buyer's captured payment
type DepositRequest struct {
	ChargeID string `json:"chargeId" validate:"required,startswith=ch_"`
	Amount   int64  `json:"amount" validate:"required,min=1"`
}

// DepositResponse acknowledges a recorded deposit
type DepositResponse struct {
	CommissionID int64            `json:"commissionId"`
	Status       CommissionStatus `json:"status"`
}

// SubmitUpdateRequest hands in or waives a milestone
type SubmitUpdateRequest struct {
	Pictures []string `json:"pictures" validate:"omitempty,dive,required,url"`
	Waived   bool     `json:"waived"`
}

// CancelResponse acknowledges a queued cancellation
type CancelResponse struct {
	CommissionID int64  `json:"commissionId"`
	FromUpdate   int    `json:"fromUpdate"`
	JobID        string `json:"jobId"`
}

// CommissionView is a commission together with its milestones
type CommissionView struct {
	Commission *Commission `json:"commission"`
	Updates    []Update    `json:"updates"`
}
