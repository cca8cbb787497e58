package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	reader := NewReader(r)
	var out []Event
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestNext(t *testing.T) {
	input := "event: completion\n" +
		"id: 7\n" +
		"data: {\"a\":1}\n\n" +
		": keep-alive\n\n" +
		"data: first\n" +
		"data: second\n\n" +
		"data:no-space\r\n\r\n"

	events := readAll(t, strings.NewReader(input))
	require.Len(t, events, 3)

	assert.Equal(t, Event{Name: "completion", ID: "7", Data: `{"a":1}`}, events[0])
	assert.Equal(t, "first\nsecond", events[1].Data)
	assert.Empty(t, events[1].Name)
	assert.Equal(t, "no-space", events[2].Data)
}

func TestNext_SplitAcrossReads(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\ndata: [DONE]\n\n"

	events := readAll(t, iotest.OneByteReader(strings.NewReader(input)))
	require.Len(t, events, 2)
	assert.Equal(t, "[DONE]", events[1].Data)
}

func TestNext_TrailingEventWithoutBlankLine(t *testing.T) {
	events := readAll(t, strings.NewReader("data: one\n\ndata: two"))
	require.Len(t, events, 2)
	assert.Equal(t, "two", events[1].Data)
}

func TestNext_LongLine(t *testing.T) {
	long := strings.Repeat("x", 200_000)
	events := readAll(t, strings.NewReader("data: "+long+"\n\n"))
	require.Len(t, events, 1)
	assert.Len(t, events[0].Data, 200_000)
}

func TestNext_EmptyStream(t *testing.T) {
	_, err := NewReader(strings.NewReader("")).Next()
	assert.ErrorIs(t, err, io.EOF)

	_, err = NewReader(strings.NewReader(": only a comment\n\n")).Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := NewReader(iotest.ErrReader(boom)).Next()
	assert.ErrorIs(t, err, boom)
}
