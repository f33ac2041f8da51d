package models

import (
	"fmt"
	"strings"
	"time"
)

type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionRevise   Decision = "revise"
	DecisionInstruct Decision = "instruct"
	DecisionReject   Decision = "reject"
)

// ParseDecision accepts the full names and their single-letter shorthands.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "a", "y", "yes":
		return DecisionApprove, nil
	case "revise", "r":
		return DecisionRevise, nil
	case "instruct", "i":
		return DecisionInstruct, nil
	case "reject", "x", "n", "no":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// NeedsFeedback reports whether the decision carries free text.
func (d Decision) NeedsFeedback() bool {
	return d == DecisionRevise || d == DecisionInstruct
}

type CheckpointStatus string

const (
	CheckpointStatusPending   CheckpointStatus = "pending"
	CheckpointStatusDecided   CheckpointStatus = "decided"
	CheckpointStatusResolved  CheckpointStatus = "resolved"
	CheckpointStatusCancelled CheckpointStatus = "cancelled"
)

type CheckpointRequest struct {
	ID        int64
	RunID     string
	StepName  string
	Payload   string
	Status    CheckpointStatus
	Decision  Decision
	Feedback  string
	CreatedAt time.Time
	DecidedAt *time.Time
}
