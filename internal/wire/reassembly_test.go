package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestReassemblyBufferCompletesWhenAllFragmentsArrive(t *testing.T) {
	buf := NewReassemblyBuffer(time.Minute)
	id := NewFragmentID()
	now := time.Unix(0, 0)

	payload := []byte("0123456789")
	frags := Split(payload, FrameMessage, nil, 4, 3, id)

	var got []byte
	for i, f := range frags {
		complete, out := buf.Add(f, now)
		if i < len(frags)-1 {
			if complete {
				t.Fatalf("fragment %d: expected incomplete, got complete", i)
			}
			continue
		}
		if !complete {
			t.Fatalf("last fragment: expected complete")
		}
		got = out
	}

	if !bytes.Equal(got, payload) {
		t.Errorf("reassembled payload mismatch: got %q want %q", got, payload)
	}
	if buf.Pending() != 0 {
		t.Errorf("expected no pending entries after completion, got %d", buf.Pending())
	}
}

func TestReassemblyBufferOutOfOrderFragments(t *testing.T) {
	buf := NewReassemblyBuffer(time.Minute)
	id := NewFragmentID()
	now := time.Unix(0, 0)

	payload := []byte("abcdefghij")
	frags := Split(payload, FrameMessage, nil, 4, 3, id)

	for i := len(frags) - 1; i >= 0; i-- {
		complete, out := buf.Add(frags[i], now)
		if i == 0 {
			if !complete {
				t.Fatalf("expected complete after last missing fragment arrives")
			}
			if !bytes.Equal(out, payload) {
				t.Errorf("reassembled payload mismatch: got %q want %q", out, payload)
			}
		}
	}
}

func TestReassemblyBufferEvictsStaleEntries(t *testing.T) {
	buf := NewReassemblyBuffer(time.Second)
	id := NewFragmentID()
	start := time.Unix(0, 0)

	payload := []byte("xyz123456789")
	frags := Split(payload, FrameMessage, nil, 4, 3, id)

	buf.Add(frags[0], start)
	if buf.Pending() != 1 {
		t.Fatalf("expected 1 pending entry, got %d", buf.Pending())
	}

	later := start.Add(2 * time.Second)
	buf.Add(frags[0], later)

	if buf.Pending() != 1 {
		t.Fatalf("expected stale entry evicted and replaced by fresh one, got pending=%d", buf.Pending())
	}
}

func TestReassemblyBufferLookupAfterCompletion(t *testing.T) {
	buf := NewReassemblyBuffer(time.Minute)
	id := NewFragmentID()
	now := time.Unix(0, 0)

	payload := []byte("relay-me")
	frags := Split(payload, FrameMessage, nil, 64, 3, id)

	for _, f := range frags {
		buf.Add(f, now)
	}

	got, ok := buf.Lookup(id)
	if !ok {
		t.Fatalf("expected completed payload to be retrievable via Lookup")
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Lookup payload mismatch: got %q want %q", got, payload)
	}
}

func TestReassemblyBufferLookupMissing(t *testing.T) {
	buf := NewReassemblyBuffer(time.Minute)
	if _, ok := buf.Lookup(NewFragmentID()); ok {
		t.Fatalf("expected Lookup to report missing for unknown fragment id")
	}
}

func TestReassemblyBufferLookupExpiresAfterStaleWindow(t *testing.T) {
	buf := NewReassemblyBuffer(time.Second)
	id := NewFragmentID()
	now := time.Unix(0, 0)

	payload := []byte("short")
	frags := Split(payload, FrameMessage, nil, 64, 3, id)
	for _, f := range frags {
		buf.Add(f, now)
	}

	if _, ok := buf.Lookup(id); !ok {
		t.Fatalf("expected payload to be present immediately after completion")
	}

	later := now.Add(2 * time.Second)
	buf.Add(&Fragment{FragmentID: NewFragmentID(), Index: 0, Total: 1, TTL: 1, OriginalType: FrameACK}, later)

	if _, ok := buf.Lookup(id); ok {
		t.Errorf("expected completed payload to be evicted after staleWindow elapsed")
	}
}
