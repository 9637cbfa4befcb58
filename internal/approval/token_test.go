package approval

import (
	"strings"
	"testing"
)

func TestToken_EncodeParseRoundTrip(t *testing.T) {
	tok := Token{Action: ActionReject, RequesterID: "123456789", ReceiptNumber: "AB-12/7"}
	data, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if data != "reject:123456789:AB-12/7" {
		t.Fatalf("unexpected token data %q", data)
	}
	got, err := ParseToken(data)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if got != tok {
		t.Fatalf("expected %+v, got %+v", tok, got)
	}
}

func TestToken_EncodeRejectsBadInput(t *testing.T) {
	cases := []Token{
		{Action: "hold", RequesterID: "1", ReceiptNumber: "A"},
		{Action: ActionApprove, RequesterID: "", ReceiptNumber: "A"},
		{Action: ActionApprove, RequesterID: "1", ReceiptNumber: "A:B"},
		{Action: ActionApprove, RequesterID: "1", ReceiptNumber: strings.Repeat("9", MaxTokenBytes)},
	}
	for _, tc := range cases {
		if _, err := tc.Encode(); err == nil {
			t.Fatalf("expected Encode error for %+v", tc)
		}
	}
}

func TestParseToken_Malformed(t *testing.T) {
	for _, data := range []string{"", "approve", "approve:1", "approve::A", "hold:1:A", "approve:1:A:B"} {
		if _, err := ParseToken(data); err == nil {
			t.Fatalf("expected ParseToken error for %q", data)
		}
	}
}

func TestPendingRejections_PutTake(t *testing.T) {
	p := NewPendingRejections()
	if _, replaced := p.Put(PendingRejection{ReviewerID: "900", Request: sampleRequest("100", "A")}); replaced {
		t.Fatal("first Put must not report replacement")
	}
	prev, replaced := p.Put(PendingRejection{ReviewerID: "900", Request: sampleRequest("200", "B")})
	if !replaced || prev.Request.ReceiptNumber != "A" {
		t.Fatalf("expected replacement of A, got %+v replaced=%v", prev, replaced)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", p.Len())
	}
	got, ok := p.Take("900")
	if !ok || got.Request.ReceiptNumber != "B" {
		t.Fatalf("expected B, got %+v ok=%v", got, ok)
	}
	if _, ok := p.Take("900"); ok {
		t.Fatal("expected Take to remove the entry")
	}
	p.Put(PendingRejection{ReviewerID: "901"})
	p.Clear()
	if p.Has("901") {
		t.Fatal("expected Clear to drop entries")
	}
}
