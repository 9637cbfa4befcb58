// Package session holds the in-progress request sessions, one per requester,
// and the field-collection state machine that drives them.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/MEKXH/waybill/internal/request"
)

// Step is the field a session is waiting for.
type Step int

const (
	StepIdle Step = iota
	StepDate
	StepReceipt
	StepArrival
	StepDeparture
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepDate:
		return "awaiting_date"
	case StepReceipt:
		return "awaiting_receipt"
	case StepArrival:
		return "awaiting_arrival"
	case StepDeparture:
		return "awaiting_departure"
	case StepDone:
		return "done"
	default:
		return "unknown"
	}
}

// ErrComplete is returned when a value is offered to a finished session.
var ErrComplete = errors.New("session is already complete")

// Steps returns the field sequence collected for a request type.
func Steps(t request.Type) []Step {
	if t.HasTimes() {
		return []Step{StepDate, StepReceipt, StepArrival, StepDeparture}
	}
	return []Step{StepDate, StepReceipt}
}

// Session is one requester's request being composed.
type Session struct {
	RequesterID string
	ChatID      string
	DisplayName string
	Type        request.Type
	Step        Step
	StartedAt   time.Time

	Date          string
	ReceiptNumber string
	Arrival       string
	Departure     string
}

// New starts a session positioned on the first step of the type.
func New(requesterID, chatID, displayName string, t request.Type, now time.Time) Session {
	return Session{
		RequesterID: requesterID,
		ChatID:      chatID,
		DisplayName: displayName,
		Type:        t,
		Step:        Steps(t)[0],
		StartedAt:   now,
	}
}

// Fill stores value for the current step and advances to the next one.
// Receipt values are expected to be normalized and admitted by the caller.
func (s *Session) Fill(value string) error {
	switch s.Step {
	case StepDate:
		s.Date = value
	case StepReceipt:
		s.ReceiptNumber = value
	case StepArrival:
		s.Arrival = value
	case StepDeparture:
		s.Departure = value
	default:
		return ErrComplete
	}
	s.Step = s.next()
	return nil
}

// Complete reports whether every field of the type has been collected.
func (s Session) Complete() bool {
	return s.Step == StepDone
}

// Prompt returns the question for the current step.
func (s Session) Prompt() string {
	switch s.Step {
	case StepDate:
		return "Enter the trip closing date (DD.MM.YYYY):"
	case StepReceipt:
		return "Enter the sales receipt number:"
	case StepArrival:
		return "Enter the arrival time (HH:MM):"
	case StepDeparture:
		return "Enter the departure time (HH:MM):"
	default:
		return ""
	}
}

// Snapshot freezes the session into a request.
func (s Session) Snapshot(id string, now time.Time) request.Request {
	return request.Request{
		ID:            id,
		Type:          s.Type,
		RequesterID:   s.RequesterID,
		ChatID:        s.ChatID,
		DisplayName:   strings.TrimSpace(s.DisplayName),
		Date:          s.Date,
		ReceiptNumber: s.ReceiptNumber,
		Arrival:       s.Arrival,
		Departure:     s.Departure,
		SubmittedAt:   now,
	}
}

func (s Session) next() Step {
	steps := Steps(s.Type)
	for i, step := range steps {
		if step == s.Step && i+1 < len(steps) {
			return steps[i+1]
		}
	}
	return StepDone
}
