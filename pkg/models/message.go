package models

import "time"

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// Message is a newly added provider message handed to the dispatcher
type Message struct {
	ID           string
	ThreadID     string
	From         Address
	To           []Address
	Cc           []Address
	Subject      string
	Date         time.Time
	LabelIDs     []string
	Snippet      string
	BodyText     string
	BodyHTML     string
	MetadataOnly bool // Body unavailable under the granted scope
}

// DetectedCode represents a detected verification code
type DetectedCode struct {
	Type  string `json:"type"`  // "otp", "verification", "pin", "code"
	Value string `json:"value"` // The code itself
}
