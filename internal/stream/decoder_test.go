package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectErrors(errs *[]error) Option {
	return WithErrorHandler(func(err error) { *errs = append(*errs, err) })
}

func TestDecoderSplitsOnNewlines(t *testing.T) {
	t.Parallel()

	var errs []error
	d := NewDecoder(nil, collectErrors(&errs))
	events := d.Feed("data: {\"type\":\"orchestrator_token\",\"data\":{\"channel\":\"content\",\"data\":\"Hello\"}}\n" +
		"data: {\"type\":\"end\"}\n")

	require.Len(t, events, 2)
	assert.Equal(t, "orchestrator_token", events[0].Name)
	assert.JSONEq(t, `{"channel":"content","data":"Hello"}`, string(events[0].Payload))
	assert.Equal(t, EventEnd, events[1].Name)
	assert.Empty(t, events[1].Payload)
	assert.Empty(t, errs)
}

func TestDecoderBuffersAcrossArbitraryChunkBoundaries(t *testing.T) {
	t.Parallel()

	stream := "data: {\"type\":\"agent_start\",\"data\":{\"agent\":\"research_agent\"}}\n\n" +
		": keepalive\n" +
		"data: {\"type\":\"orchestrator_token\",\"data\":{\"channel\":\"content\",\"data\":\"héllo wörld\"}}\r\n" +
		"data: {\"type\":\"end\"}\n"

	for size := 1; size <= len(stream); size++ {
		d := NewDecoder(nil)
		var names []string
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			for _, ev := range d.Feed(stream[i:end]) {
				names = append(names, ev.Name)
			}
		}
		require.Equal(t, []string{"agent_start", "orchestrator_token", EventEnd}, names, "chunk size %d", size)
	}
}

func TestDecoderKeepsIncompleteTrailingLine(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	assert.Empty(t, d.Feed(`data: {"type":"orchestrator_tok`))
	assert.Empty(t, d.Feed(`en","data":{"channel":"content","data":"x"}}`))

	events := d.Feed("\n")
	require.Len(t, events, 1)
	assert.Equal(t, "orchestrator_token", events[0].Name)
}

func TestDecoderFlushDecodesUnterminatedLine(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	assert.Empty(t, d.Feed(`data: {"type":"end"}`))

	events := d.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Name)
	assert.Empty(t, d.Flush())
}

func TestDecoderDropsMalformedJSONAndContinues(t *testing.T) {
	t.Parallel()

	var errs []error
	d := NewDecoder(nil, collectErrors(&errs))
	events := d.Feed("data: {not json}\n" +
		"data: \"just a string\"\n" +
		"data: {\"no_type\":true}\n" +
		"data: {\"type\":\"end\"}\n")

	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Name)
	require.Len(t, errs, 3)
	assert.Equal(t, 3, d.Dropped())

	var perr *ProtocolError
	require.True(t, errors.As(errs[0], &perr))
	assert.Equal(t, "malformed JSON payload", perr.Reason)
}

func TestDecoderIgnoresLinesWithoutDataPrefix(t *testing.T) {
	t.Parallel()

	var errs []error
	d := NewDecoder(nil, collectErrors(&errs))
	events := d.Feed(": ping\nid: 7\nretry: 5000\n{\"type\":\"end\"}\n")

	assert.Empty(t, events)
	assert.Empty(t, errs)
}

func TestDecoderUsesEventFieldWhenTypeMissing(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	events := d.Feed("event: error\ndata: {\"message\":\"boom\"}\n\ndata: {\"message\":\"orphan\"}\n")

	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Name)
	assert.JSONEq(t, `{"message":"boom"}`, string(events[0].Payload))
	assert.Equal(t, 1, d.Dropped())
}

func TestDecoderDoneSentinel(t *testing.T) {
	t.Parallel()

	d := NewDecoder(nil)
	events := d.Feed("data: [DONE]\n")
	require.Len(t, events, 1)
	assert.Equal(t, EventEnd, events[0].Name)
}

type chunkReader struct {
	chunks []string
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestEventsIteratesReader(t *testing.T) {
	t.Parallel()

	r := &chunkReader{chunks: []string{"data: {\"type\":\"orch", "estrator_start\"}\nda", "ta: {\"type\":\"end\"}"}}
	var names []string
	for ev, err := range NewDecoder(nil).Events(context.Background(), r) {
		require.NoError(t, err)
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"orchestrator_start", EventEnd}, names)
}

func TestEventsYieldsReadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	r := &chunkReader{chunks: []string{"data: {\"type\":\"orchestrator_start\"}\n"}, err: boom}

	var gotErr error
	count := 0
	for _, err := range NewDecoder(nil).Events(context.Background(), r) {
		if err != nil {
			gotErr = err
			continue
		}
		count++
	}
	assert.Equal(t, 1, count)
	assert.ErrorIs(t, gotErr, boom)
}

func TestEventsStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range NewDecoder(nil).Events(ctx, strings.NewReader("data: {\"type\":\"end\"}\n")) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
