package correlator

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tablerelay/internal/envelope"
)

type fakeSink struct {
	results chan Result
}

func newFakeSink() *fakeSink { return &fakeSink{results: make(chan Result, 1)} }

func (s *fakeSink) Complete(r Result) { s.results <- r }

func TestBeginComplete_DeliversReply(t *testing.T) {
	c := New()
	sink := newFakeSink()
	token := c.Begin("foundry-A", "query", time.Second, sink)

	c.Complete("foundry-A", envelope.Envelope{Type: "search-result", RequestID: token, Payload: json.RawMessage(`{"results":[]}`)})

	select {
	case r := <-sink.results:
		require.Equal(t, StatusReply, r.Status)
		require.JSONEq(t, `{"results":[]}`, string(r.Payload))
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
	require.Equal(t, 0, c.PendingCount())
}

func TestComplete_UnknownTokenIsDroppedSilently(t *testing.T) {
	c := New()
	c.Complete("foundry-A", envelope.Envelope{Type: "x", RequestID: "bogus"})
	require.Equal(t, 0, c.PendingCount())
}

func TestExpire_FiresTimeoutAfterDeadline(t *testing.T) {
	c := New()
	sink := newFakeSink()
	c.Begin("foundry-A", "query", 10*time.Millisecond, sink)

	select {
	case r := <-sink.results:
		require.Equal(t, StatusTimeout, r.Status)
		require.NotNil(t, r.Err)
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}
}

func TestExpire_LateReplyAfterTimeoutIsNoOp(t *testing.T) {
	c := New()
	sink := newFakeSink()
	token := c.Begin("foundry-A", "query", 10*time.Millisecond, sink)

	<-sink.results // consume the timeout completion

	// A late reply for the now-expired token must be a silent no-op (spec R3).
	c.Complete("foundry-A", envelope.Envelope{Type: "reply", RequestID: token})
	select {
	case r := <-sink.results:
		t.Fatalf("unexpected second completion: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientGone_FailsAllPendingForClient(t *testing.T) {
	c := New()
	// sinkA serves two tokens and ClientGone completes both synchronously,
	// so it needs room for both results before the test reads them.
	sinkA := &fakeSink{results: make(chan Result, 2)}
	sinkB := newFakeSink()
	c.Begin("foundry-A", "query", time.Minute, sinkA)
	c.Begin("foundry-A", "fetch-entity", time.Minute, sinkA)
	c.Begin("foundry-B", "query", time.Minute, sinkB)

	c.ClientGone("foundry-A")

	for i := 0; i < 2; i++ {
		select {
		case r := <-sinkA.results:
			require.Equal(t, StatusClientGone, r.Status)
		case <-time.After(time.Second):
			t.Fatal("missing client-gone completion")
		}
	}
	require.Equal(t, 1, c.PendingCount()) // foundry-B's request is untouched
}

func TestCancel_PreventsLateTimeoutDelivery(t *testing.T) {
	c := New()
	sink := newFakeSink()
	token := c.Begin("foundry-A", "query", 20*time.Millisecond, sink)
	c.Cancel(token)

	select {
	case r := <-sink.results:
		t.Fatalf("canceled request must not deliver a result: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
