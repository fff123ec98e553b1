package core

import (
	"strings"
	"testing"
)

// ------------------------------------------------------------
// P10: a ticket authorizes iff signature, window and exact scope
// ------------------------------------------------------------

func TestSessionTicketScope(t *testing.T) {
	pub, key := testKeypair(t, 1)
	device := DeviceIdFromEntropy([32]byte{1})
	ticket, err := IssueSessionTicket(device, key, "journal-sync", 1000, 5000, [32]byte{7})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if !strings.HasPrefix(ticket.SessionID, "sess-") {
		t.Fatalf("session id %q", ticket.SessionID)
	}

	tests := []struct {
		name      string
		nowMs     uint64
		operation string
		ok        bool
	}{
		{"Valid", 3000, "journal-sync", true},
		{"AtIssue", 1000, "journal-sync", true},
		{"AtExpiry", 5000, "journal-sync", true},
		{"BeforeIssue", 999, "journal-sync", false},
		{"AfterExpiry", 5001, "journal-sync", false},
		{"WrongScope", 3000, "journal-sync-extra", false},
		{"ScopePrefix", 3000, "journal", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ticket.Validate(pub, tc.nowMs, tc.operation)
			if (err == nil) != tc.ok {
				t.Fatalf("got %v want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestSessionTicketSignature(t *testing.T) {
	pub, key := testKeypair(t, 1)
	otherPub, _ := testKeypair(t, 2)
	device := DeviceIdFromEntropy([32]byte{1})
	ticket, _ := IssueSessionTicket(device, key, "op", 1000, 5000, [32]byte{7})

	if err := ticket.Validate(otherPub, 2000, "op"); err == nil {
		t.Fatalf("foreign key accepted")
	}
	tampered := *ticket
	tampered.Scope = "op2"
	if err := tampered.Validate(pub, 2000, "op2"); err == nil {
		t.Fatalf("tampered scope accepted")
	}
}

func TestSessionTicketWindowValidation(t *testing.T) {
	_, key := testKeypair(t, 1)
	device := DeviceIdFromEntropy([32]byte{1})
	if _, err := IssueSessionTicket(device, key, "op", 5000, 1000, [32]byte{}); err == nil {
		t.Fatalf("inverted window accepted")
	}
}
