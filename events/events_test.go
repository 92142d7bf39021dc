package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalFlattensPayload(t *testing.T) {
	e := Event{
		Type: TypeMinionCompleted,
		Payload: map[string]interface{}{
			"pair_id":        3,
			"cheapest_price": "$498",
		},
		At: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "minion_completed", out["type"])
	assert.Equal(t, float64(3), out["pair_id"])
	assert.Equal(t, "$498", out["cheapest_price"])
	assert.Equal(t, "2026-06-15T12:00:00Z", out["timestamp"])
}

func TestEventMarshalStampsMissingTimestamp(t *testing.T) {
	data, err := json.Marshal(Event{Type: TypeError, Payload: map[string]interface{}{"message": "x"}})
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.NotEmpty(t, out["timestamp"])
}

func TestChannelSinkDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	for i := 0; i < 5; i++ {
		sink.Emit(New(TypeLoading, map[string]interface{}{"i": i}))
	}
	sink.Close()

	var got []int
	for e := range sink.Events() {
		got = append(got, e.Payload["i"].(int))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestChannelSinkEmitAfterCloseIsNoOp(t *testing.T) {
	sink := NewChannelSink(1)
	sink.Close()
	assert.NotPanics(t, func() {
		sink.Emit(New(TypeLoading, nil))
	})
}

func TestChannelSinkCloseIsIdempotent(t *testing.T) {
	sink := NewChannelSink(1)
	assert.NotPanics(t, func() {
		sink.Close()
		sink.Close()
	})
}

func TestChannelSinkConcurrentEmitters(t *testing.T) {
	sink := NewChannelSink(4)

	var received int
	done := make(chan struct{})
	go func() {
		for range sink.Events() {
			received++
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Emit(New(TypeGeminiAction, nil))
		}()
	}
	wg.Wait()
	sink.Close()
	<-done

	assert.Equal(t, 10, received)
}
