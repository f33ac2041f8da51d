package models

import "time"

// RunRecord is the stored projection of a RunContext plus process metadata.
type RunRecord struct {
	RunID           string
	TaskTitle       string
	TaskDescription string
	ProjectPath     string
	Status          RunStatus
	CurrentStep     string
	Language        string
	Framework       string
	TestRunner      string
	ErrorMessage    string
	TicketNumber    *int
	PID             int
	ChildPGID       int
	PauseRequested  bool
	TotalCost       float64
	InputTokens     int
	OutputTokens    int
	StartedAt       time.Time
	UpdatedAt       time.Time

	Context *RunContext
}
