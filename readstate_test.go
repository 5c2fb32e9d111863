package wavelink

import "testing"

// ============================================================================
// ReadTracker
// ============================================================================

func TestReadTrackerMarkRead(t *testing.T) {
	t.Run("marker advances", func(t *testing.T) {
		tr := NewReadTracker()
		tr.MarkRead(1, 1000)
		if got := tr.ReadAt(1); got != 1000 {
			t.Fatalf("expected 1000, got %d", got)
		}
		tr.MarkRead(1, 2000)
		if got := tr.ReadAt(1); got != 2000 {
			t.Fatalf("expected 2000, got %d", got)
		}
	})

	t.Run("marker never moves backward", func(t *testing.T) {
		tr := NewReadTracker()
		tr.MarkRead(1, 2000)
		tr.MarkRead(1, 500)
		if got := tr.ReadAt(1); got != 2000 {
			t.Fatalf("expected marker to stay at 2000, got %d", got)
		}
	})

	t.Run("untouched key reads as zero", func(t *testing.T) {
		tr := NewReadTracker()
		if got := tr.ReadAt(99); got != 0 {
			t.Fatalf("expected 0, got %d", got)
		}
	})
}

func TestReadTrackerResetForward(t *testing.T) {
	// Deletion is the only path allowed to set the marker
	// unconditionally, including past the newest message.
	tr := NewReadTracker()
	tr.MarkRead(1, 1000)
	tr.ResetForward(1, 5000)
	if got := tr.ReadAt(1); got != 5000 {
		t.Fatalf("expected 5000, got %d", got)
	}
}

func TestReadTrackerForget(t *testing.T) {
	tr := NewReadTracker()
	tr.MarkRead(1, 1000)
	tr.Forget(1)
	if got := tr.ReadAt(1); got != 0 {
		t.Fatalf("expected 0 after forget, got %d", got)
	}
}

func TestReadTrackerUnreadIn(t *testing.T) {
	msgs := []Message{
		mkMsg("a", 2, 1000, ""),
		mkMsg("b", 7, 2000, ""), // own message
		mkMsg("c", 2, 3000, ""),
		mkMsg("d", 2, 4000, ""),
	}

	t.Run("foreign newer than marker", func(t *testing.T) {
		tr := NewReadTracker()
		tr.MarkRead(1, 2000)
		if got := tr.UnreadIn(1, msgs, 7); got != 2 {
			t.Fatalf("expected 2 unread, got %d", got)
		}
	})

	t.Run("own messages never count", func(t *testing.T) {
		tr := NewReadTracker()
		if got := tr.UnreadIn(1, msgs, 7); got != 3 {
			t.Fatalf("expected 3 unread for fresh conversation, got %d", got)
		}
	})

	t.Run("message at marker is read", func(t *testing.T) {
		tr := NewReadTracker()
		tr.MarkRead(1, 4000)
		if got := tr.UnreadIn(1, msgs, 7); got != 0 {
			t.Fatalf("expected 0 unread, got %d", got)
		}
	})
}

func TestReadTrackerSnapshotRestore(t *testing.T) {
	tr := NewReadTracker()
	tr.MarkRead(1, 1000)
	tr.MarkRead(2, 2000)

	snap := tr.snapshot()
	if snap["1"] != 1000 || snap["2"] != 2000 {
		t.Fatalf("bad snapshot: %v", snap)
	}

	tr2 := NewReadTracker()
	tr2.restore(map[int]int64{1: 1000, 2: 2000})
	if tr2.ReadAt(1) != 1000 || tr2.ReadAt(2) != 2000 {
		t.Fatal("restore did not install markers")
	}
}
