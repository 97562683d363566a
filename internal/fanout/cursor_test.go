package fanout

import "testing"

func TestCursorGeneratorMonotonic(t *testing.T) {
	g := NewCursorGenerator()
	var cursors []string
	for i := 0; i < 200; i++ {
		cursors = append(cursors, g.Next("convo1", "MessageEvent").String())
	}
	for i := 1; i < len(cursors); i++ {
		if cursors[i] <= cursors[i-1] {
			t.Fatalf("cursor %d (%s) not strictly greater than cursor %d (%s)", i, cursors[i], i-1, cursors[i-1])
		}
	}
}

func TestCursorGeneratorIndependentStreams(t *testing.T) {
	g := NewCursorGenerator()
	a1 := g.Next("convoA", "MessageEvent")
	b1 := g.Next("convoB", "MessageEvent")
	a2 := g.Next("convoA", "MessageEvent")
	if a2.String() <= a1.String() {
		t.Fatal("convoA stream must be monotonic independent of convoB activity")
	}
	_ = b1
}

func TestCursorGeneratorPerEventType(t *testing.T) {
	g := NewCursorGenerator()
	msg1 := g.Next("convo1", "MessageEvent")
	reaction1 := g.Next("convo1", "ReactionEvent")
	msg2 := g.Next("convo1", "MessageEvent")
	if msg2.String() <= msg1.String() {
		t.Fatal("MessageEvent stream must advance independent of ReactionEvent stream")
	}
	_ = reaction1
}

func TestValidateCursor(t *testing.T) {
	g := NewCursorGenerator()
	valid := g.Next("convo1", "MessageEvent").String()
	if !ValidateCursor(valid) {
		t.Fatalf("freshly minted cursor %q should validate", valid)
	}
	if ValidateCursor("not-a-ulid") {
		t.Fatal("malformed cursor must not validate")
	}
	if ValidateCursor("") {
		t.Fatal("empty cursor must not validate")
	}
}

func TestRetentionCursorWindow(t *testing.T) {
	r := Retention{MessageWindow: 14 * 24 * 3600 * 1e9}
	if r.CursorWindow() != 2*r.MessageWindow {
		t.Fatalf("CursorWindow() = %v, want 2x MessageWindow", r.CursorWindow())
	}
}
