package orbit

import (
	"reflect"
	"testing"
)

func inbound(conversationID, senderID string) MessagePayload {
	return MessagePayload{ConversationID: conversationID, SenderID: senderID, Content: "x"}
}

func TestUnread_IncrementRule(t *testing.T) {
	cases := []struct {
		name   string
		sender string
		active string
		want   bool
	}{
		{"other sender, no active conversation", "bob", "", true},
		{"other sender, different conversation active", "bob", "conv-2", true},
		{"other sender, same conversation active", "bob", "conv-1", false},
		{"own message, no active conversation", "alice", "", false},
		{"own message, same conversation active", "alice", "conv-1", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := newUnreadLedger()
			u.setLocalUser("alice")
			u.SetActive(tc.active)

			if got := u.HandleInbound(inbound("conv-1", tc.sender)); got != tc.want {
				t.Errorf("HandleInbound = %v, want %v", got, tc.want)
			}
			wantCount := 0
			if tc.want {
				wantCount = 1
			}
			if got := u.Count("conv-1"); got != wantCount {
				t.Errorf("Count = %d, want %d", got, wantCount)
			}
		})
	}
}

func TestUnread_CountsAccumulatePerConversation(t *testing.T) {
	u := newUnreadLedger()
	u.setLocalUser("alice")

	for i := 0; i < 3; i++ {
		u.HandleInbound(inbound("conv-1", "bob"))
	}
	u.HandleInbound(inbound("conv-2", "carol"))

	if got := u.Count("conv-1"); got != 3 {
		t.Errorf("conv-1 count = %d, want 3", got)
	}
	if got := u.Count("conv-2"); got != 1 {
		t.Errorf("conv-2 count = %d, want 1", got)
	}

	want := map[string]int{"conv-1": 3, "conv-2": 1}
	if got := u.Totals(); !reflect.DeepEqual(got, want) {
		t.Errorf("Totals = %v, want %v", got, want)
	}
}

func TestUnread_MarkReadFloorsAtZero(t *testing.T) {
	u := newUnreadLedger()
	u.setLocalUser("alice")

	for i := 0; i < 2; i++ {
		u.HandleInbound(inbound("conv-1", "bob"))
	}

	u.MarkRead("conv-1", 5)
	if got := u.Count("conv-1"); got != 0 {
		t.Errorf("count after over-read = %d, want 0", got)
	}

	// Further reads on an empty counter stay at zero.
	u.MarkRead("conv-1", 1)
	if got := u.Count("conv-1"); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}

	// Non-positive counts are ignored.
	u.HandleInbound(inbound("conv-1", "bob"))
	u.MarkRead("conv-1", 0)
	u.MarkRead("conv-1", -3)
	if got := u.Count("conv-1"); got != 1 {
		t.Errorf("count = %d after no-op reads, want 1", got)
	}
}

func TestUnread_MarkReadPartial(t *testing.T) {
	u := newUnreadLedger()
	u.setLocalUser("alice")

	for i := 0; i < 5; i++ {
		u.HandleInbound(inbound("conv-1", "bob"))
	}
	u.MarkRead("conv-1", 2)

	if got := u.Count("conv-1"); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
}

func TestUnread_SwitchingActiveConversation(t *testing.T) {
	u := newUnreadLedger()
	u.setLocalUser("alice")

	u.SetActive("conv-1")
	u.HandleInbound(inbound("conv-1", "bob")) // open: no increment
	u.HandleInbound(inbound("conv-2", "bob")) // closed: increments

	u.SetActive("conv-2")
	u.HandleInbound(inbound("conv-1", "bob")) // now closed: increments
	u.HandleInbound(inbound("conv-2", "bob")) // now open: no increment

	if got := u.Count("conv-1"); got != 1 {
		t.Errorf("conv-1 count = %d, want 1", got)
	}
	if got := u.Count("conv-2"); got != 1 {
		t.Errorf("conv-2 count = %d, want 1", got)
	}
}
