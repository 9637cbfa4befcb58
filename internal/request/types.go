// Package request defines the delivery-exception request types and the
// immutable snapshot handed to reviewers.
package request

import (
	"fmt"
	"strings"
	"time"
)

// Type is the kind of delivery exception being requested.
type Type string

const (
	TypeStandstill      Type = "standstill"
	TypeOverMileage     Type = "over_mileage"
	TypeDeliveryRefusal Type = "delivery_refusal"
)

var types = []Type{TypeStandstill, TypeOverMileage, TypeDeliveryRefusal}

var labels = map[Type]string{
	TypeStandstill:      "Standstill",
	TypeOverMileage:     "Over-mileage",
	TypeDeliveryRefusal: "Delivery refusal",
}

// Types returns all request types in menu order.
func Types() []Type {
	out := make([]Type, len(types))
	copy(out, types)
	return out
}

// Label returns the menu label for the type.
func (t Type) Label() string {
	if l, ok := labels[t]; ok {
		return l
	}
	return string(t)
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	_, ok := labels[t]
	return ok
}

// HasTimes reports whether the type collects arrival and departure times.
func (t Type) HasTimes() bool {
	return t == TypeStandstill
}

// ParseLabel maps a menu label back to its type.
func ParseLabel(text string) (Type, bool) {
	text = strings.TrimSpace(text)
	for _, t := range types {
		if strings.EqualFold(labels[t], text) {
			return t, true
		}
	}
	return "", false
}

// MenuText accompanies the type-selection keyboard.
const MenuText = "Choose the request type:"

// MenuKeyboard returns the type-selection keyboard, one label per row.
func MenuKeyboard() [][]string {
	rows := make([][]string, 0, len(types))
	for _, t := range types {
		rows = append(rows, []string{t.Label()})
	}
	return rows
}

// Request is the completed, immutable snapshot of a session.
type Request struct {
	ID            string
	Type          Type
	RequesterID   string
	ChatID        string
	DisplayName   string
	Date          string
	ReceiptNumber string
	Arrival       string
	Departure     string
	SubmittedAt   time.Time
}

// ReviewerText renders the notification sent to every reviewer.
func (r Request) ReviewerText() string {
	var b strings.Builder
	b.WriteString("New request\n")
	fmt.Fprintf(&b, "Type: %s\n", r.Type.Label())
	fmt.Fprintf(&b, "Date: %s\n", r.Date)
	fmt.Fprintf(&b, "Receipt: %s\n", r.ReceiptNumber)
	if r.Type.HasTimes() {
		fmt.Fprintf(&b, "Arrival: %s\n", r.Arrival)
		fmt.Fprintf(&b, "Departure: %s\n", r.Departure)
	}
	name := strings.TrimSpace(r.DisplayName)
	if name == "" {
		name = "unknown"
	}
	fmt.Fprintf(&b, "From: %s (%s)", name, r.RequesterID)
	return b.String()
}
