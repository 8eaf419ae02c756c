package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/model"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l1"
	"github.com/yasunoritani/manxo-bridge/internal/transport/l2"
)

func TestDispatchL2UnknownMethod(t *testing.T) {
	r := New()
	_, err := r.DispatchL2(context.Background(), "no.such.method", nil)
	require.Error(t, err)
	be, ok := bridgeerr.As(err)
	require.True(t, ok)
	assert.Equal(t, bridgeerr.CodeUnknownRoute, be.Code)
}

func TestDispatchL2InvokesRegisteredHandler(t *testing.T) {
	r := New()
	r.RegisterMethod("system.ping", func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
		return map[string]bool{"pong": true}, nil
	})

	result, err := r.DispatchL2(context.Background(), "system.ping", nil)
	require.NoError(t, err)
	assert.True(t, result.(map[string]bool)["pong"])
}

func TestDispatchL1InvokesAllMatchingPatternsInOrder(t *testing.T) {
	r := New()
	var order []string
	r.RegisterAddress("/bridge/*", func(ctx context.Context, f l1.Frame) error {
		order = append(order, "wildcard")
		return nil
	})
	r.RegisterAddress("/bridge/lifecycle", func(ctx context.Context, f l1.Frame) error {
		order = append(order, "exact")
		return nil
	})
	r.RegisterAddress("/other/*", func(ctx context.Context, f l1.Frame) error {
		order = append(order, "unrelated")
		return nil
	})

	matched, err := r.DispatchL1(context.Background(), l1.Frame{Address: "/bridge/lifecycle"})
	require.NoError(t, err)
	assert.Equal(t, 2, matched)
	assert.Equal(t, []string{"wildcard", "exact"}, order)
}

func TestDispatchL1NoMatchReturnsZero(t *testing.T) {
	r := New()
	r.RegisterAddress("/bridge/lifecycle", func(ctx context.Context, f l1.Frame) error { return nil })

	matched, err := r.DispatchL1(context.Background(), l1.Frame{Address: "/unrelated"})
	require.NoError(t, err)
	assert.Equal(t, 0, matched)
}

func TestFanOutStateEventRespectsCategoryFilter(t *testing.T) {
	r := New()

	paramConn, paramPeer := net.Pipe()
	defer paramConn.Close()
	defer paramPeer.Close()
	paramChannel := l2.OpenSocketConn(paramConn)
	r.SubscribeL2("param-client", paramChannel, model.CategoryParameter)

	allConn, allPeer := net.Pipe()
	defer allConn.Close()
	defer allPeer.Close()
	allChannel := l2.OpenSocketConn(allConn)
	r.SubscribeL2("all-client", allChannel)

	received := make(chan l2.Frame, 4)
	go func() {
		c := l2.OpenSocketConn(allPeer)
		for f := range c.Receive() {
			received <- f
		}
	}()

	paramReceived := make(chan l2.Frame, 4)
	go func() {
		c := l2.OpenSocketConn(paramPeer)
		for f := range c.Receive() {
			paramReceived <- f
		}
	}()

	r.FanOutStateEvent(&model.StateEvent{Category: model.CategoryObject, Kind: model.KindCreated, SubjectID: "obj-1"})

	select {
	case f := <-received:
		assert.Equal(t, "state.created", f.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the all-categories subscriber to receive the event")
	}

	select {
	case f := <-paramReceived:
		t.Errorf("param-only subscriber should not receive an object event, got %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeL2StopsFanOut(t *testing.T) {
	r := New()
	conn, peer := net.Pipe()
	defer conn.Close()
	defer peer.Close()
	ch := l2.OpenSocketConn(conn)
	r.SubscribeL2("client-1", ch)
	r.UnsubscribeL2("client-1")

	done := make(chan struct{})
	go func() {
		r.FanOutStateEvent(&model.StateEvent{Category: model.CategoryPatch, Kind: model.KindCreated})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FanOutStateEvent should return promptly with no subscribers left")
	}
}
