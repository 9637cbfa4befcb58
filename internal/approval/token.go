package approval

import (
	"fmt"
	"strings"
)

// Action is a reviewer decision carried by a button.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

const (
	tokenDelimiter = ":"
	// MaxTokenBytes is the callback payload limit of the transport.
	MaxTokenBytes = 64
)

// Token identifies the request a decision button refers to.
type Token struct {
	Action        Action
	RequesterID   string
	ReceiptNumber string
}

// Encode renders the token as "<action>:<requester>:<receipt>".
func (t Token) Encode() (string, error) {
	if t.Action != ActionApprove && t.Action != ActionReject {
		return "", fmt.Errorf("unknown action %q", t.Action)
	}
	for _, part := range []string{t.RequesterID, t.ReceiptNumber} {
		if part == "" {
			return "", fmt.Errorf("token fields are required")
		}
		if strings.Contains(part, tokenDelimiter) {
			return "", fmt.Errorf("token field %q contains delimiter", part)
		}
	}
	data := string(t.Action) + tokenDelimiter + t.RequesterID + tokenDelimiter + t.ReceiptNumber
	if len(data) > MaxTokenBytes {
		return "", fmt.Errorf("token exceeds %d bytes", MaxTokenBytes)
	}
	return data, nil
}

// ParseToken decodes a button payload.
func ParseToken(data string) (Token, error) {
	parts := strings.Split(strings.TrimSpace(data), tokenDelimiter)
	if len(parts) != 3 {
		return Token{}, fmt.Errorf("malformed action token %q", data)
	}
	t := Token{
		Action:        Action(parts[0]),
		RequesterID:   parts[1],
		ReceiptNumber: parts[2],
	}
	if t.Action != ActionApprove && t.Action != ActionReject {
		return Token{}, fmt.Errorf("unknown action %q", parts[0])
	}
	if t.RequesterID == "" || t.ReceiptNumber == "" {
		return Token{}, fmt.Errorf("malformed action token %q", data)
	}
	return t, nil
}
