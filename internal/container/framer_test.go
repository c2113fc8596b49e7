package container

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func frameBlock(body string) string {
	return StartMarker + "\n" + body + "\n" + EndMarker + "\n"
}

func sampleStream() (string, []Frame) {
	stream := "booting agent\n" +
		frameBlock(`{"status":"success","result":"thinking","type":"text"}`) +
		"noise between frames ---KAGO\n" +
		frameBlock(`{"status":"success","result":null,"newSessionId":"sess-1234567890"}`) +
		frameBlock(`{"status":"error","result":null,"error":"tool failed"}`) +
		frameBlock(`{"status":"success","result":"done ✓","type":"result"}`) +
		"trailing log line\n"

	want := []Frame{
		{Status: StatusSuccess, Result: strPtr("thinking"), Type: FrameText},
		{Status: StatusSuccess, NewSessionID: "sess-1234567890"},
		{Status: StatusError, Error: "tool failed"},
		{Status: StatusSuccess, Result: strPtr("done ✓"), Type: FrameResult},
	}
	return stream, want
}

func TestFramerWholeStream(t *testing.T) {
	stream, want := sampleStream()
	got := NewFramer().Feed([]byte(stream))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestFramerSplitAtEveryBoundary(t *testing.T) {
	stream, want := sampleStream()
	data := []byte(stream)

	for i := 0; i <= len(data); i++ {
		f := NewFramer()
		got := append(f.Feed(data[:i]), f.Feed(data[i:])...)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("split at %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestFramerByteAtATime(t *testing.T) {
	stream, want := sampleStream()
	f := NewFramer()
	var got []Frame
	for i := 0; i < len(stream); i++ {
		got = append(got, f.Feed([]byte{stream[i]})...)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestFramerPendingUntilEndMarker(t *testing.T) {
	f := NewFramer()
	frames := f.Feed([]byte(StartMarker + "\n{\"status\":\"success\",\"result\":\"x\"}"))
	assert.Empty(t, frames)
	assert.True(t, f.Pending())

	frames = f.Feed([]byte("\n" + EndMarker + "\n"))
	require.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Text())
	assert.False(t, f.Pending())
}

func TestFramerDropsMalformed(t *testing.T) {
	stream := frameBlock(`{not json`) +
		frameBlock(`{"result":"no status"}`) +
		frameBlock(`{"status":"success","result":"ok"}`)

	frames := NewFramer().Feed([]byte(stream))
	require.Len(t, frames, 1)
	assert.Equal(t, "ok", frames[0].Text())
}

func TestFramerMaxPending(t *testing.T) {
	f := &Framer{MaxPending: 64}
	f.Feed([]byte(StartMarker + strings.Repeat("x", 100)))
	assert.False(t, f.Pending())

	frames := f.Feed([]byte(frameBlock(`{"status":"success","result":"after"}`)))
	require.Len(t, frames, 1)
	assert.Equal(t, "after", frames[0].Text())
}

func TestFrameIsFinal(t *testing.T) {
	assert.False(t, Frame{Type: FrameText}.IsFinal())
	assert.True(t, Frame{Type: FrameResult}.IsFinal())
	assert.True(t, Frame{}.IsFinal())
	assert.Equal(t, "", Frame{}.Text())
}
