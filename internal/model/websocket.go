package model

// WebSocket message types
const (
	WSMessageTypeStatus = "status"
	WSMessageTypeUpdate = "update"
	WSMessageTypeError  = "error"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSStatusMessage announces a commission status change
type WSStatusMessage struct {
	Type         string           `json:"type"`
	CommissionID int64            `json:"commissionId"`
	Status       CommissionStatus `json:"status"`
	Detail       string           `json:"detail,omitempty"`
}

// WSUpdateMessage announces a milestone change
type WSUpdateMessage struct {
	Type         string `json:"type"`
	CommissionID int64  `json:"commissionId"`
	UpdateNum    int    `json:"updateNum"`
	Completed    bool   `json:"completed"`
	Delays       int    `json:"delays"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type         string  `json:"type"`
	CommissionID int64   `json:"commissionId"`
	Error        WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
