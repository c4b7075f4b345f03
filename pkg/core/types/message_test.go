package types

import (
	"strconv"
	"testing"
)

func TestNextMessageID_Monotonic(t *testing.T) {
	seen := make(map[string]bool)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := NextMessageID()
		if seen[id] {
			t.Fatalf("duplicate message ID %q", id)
		}
		seen[id] = true
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			t.Fatalf("ID %q is not numeric: %v", id, err)
		}
		if n <= prev {
			t.Fatalf("ID %d not greater than previous %d", n, prev)
		}
		prev = n
	}
}

func TestAttachmentReadable(t *testing.T) {
	cases := []struct {
		kind AttachmentKind
		want bool
	}{
		{AttachmentDocument, true},
		{AttachmentImage, true},
		{AttachmentLink, false},
	}
	for _, tc := range cases {
		if got := (Attachment{Kind: tc.kind}).Readable(); got != tc.want {
			t.Errorf("Readable(%s) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestSessionIsNew(t *testing.T) {
	if !(Session{ID: NewSessionID}).IsNew() {
		t.Error("sentinel session must report IsNew")
	}
	if (Session{ID: "1712000000000-ab12cd34"}).IsNew() {
		t.Error("real session must not report IsNew")
	}
}
