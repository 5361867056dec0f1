package pathfinder

import (
	"errors"
	"testing"
)

func TestCanWrite(t *testing.T) {
	tests := []struct {
		status MentorshipStatus
		want   bool
	}{
		{MentorshipActive, true},
		{MentorshipCancelled, true},
		{MentorshipNone, true},
		{MentorshipEnded, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			c := &Conversation{ID: "c1", MentorshipStatus: tt.status}
			if got := CanWrite(c); got != tt.want {
				t.Fatalf("CanWrite = %v, want %v", got, tt.want)
			}
		})
	}
	if CanWrite(nil) {
		t.Fatal("nil conversation must not be writable")
	}
}

func TestGuard(t *testing.T) {
	t.Run("ended carries notice", func(t *testing.T) {
		c := &Conversation{
			ID:                  "c1",
			MentorshipStatus:    MentorshipEnded,
			MentorshipEndReason: "completed",
			MentorshipEndedBy:   "mentor-1",
			MentorshipEndedAt:   atPtr(100),
		}
		err := Guard(c)
		if !errors.Is(err, ErrMentorshipEnded) {
			t.Fatalf("err = %v", err)
		}
		var gate *GateError
		if !errors.As(err, &gate) {
			t.Fatal("expected *GateError")
		}
		if gate.Notice.Reason != "completed" || gate.Notice.EndedBy != "mentor-1" || gate.Notice.ReconnectPath != DefaultReconnectPath {
			t.Fatalf("notice = %+v", gate.Notice)
		}
		if gate.Notice.EndedAt == nil || !gate.Notice.EndedAt.Equal(at(100)) {
			t.Fatalf("endedAt = %v", gate.Notice.EndedAt)
		}
	})

	t.Run("writable passes", func(t *testing.T) {
		if err := Guard(&Conversation{ID: "c1", MentorshipStatus: MentorshipActive}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("nil is unknown", func(t *testing.T) {
		if err := Guard(nil); !errors.Is(err, ErrUnknownConversation) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestMentorshipStatusNormalize(t *testing.T) {
	for in, want := range map[MentorshipStatus]MentorshipStatus{
		"":          MentorshipNone,
		"paused":    MentorshipNone,
		"active":    MentorshipActive,
		"ended":     MentorshipEnded,
		"cancelled": MentorshipCancelled,
	} {
		if got := in.Normalize(); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
