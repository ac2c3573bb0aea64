package relay

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/relation"
)

func TestHandleSubscribeRejectsUnknownNamespace(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	subRelay, subPeer := peerPair(t)
	defer subRelay.Close(nil)
	defer subPeer.Close(nil)

	subID := relation.SessionID(subRelay.ID())
	s.manager.SetupSubscriber(subID, 1000)
	s.registry.Add(subRelay)

	go subRelay.Run(context.Background())
	go subPeer.Run(context.Background())

	reqID := subPeer.NextRequestID()
	respCh := make(chan struct {
		typ     uint64
		payload []byte
		err     error
	}, 1)
	go func() {
		typ, payload, err := subPeer.SendRequest(context.Background(), control.MsgSubscribe,
			control.EncodeSubscribe(control.Subscribe{
				RequestID: reqID, TrackAlias: 1, Namespace: tuple("room", "member"), TrackName: "video",
				FilterType: control.FilterLatestGroup,
			}), reqID)
		respCh <- struct {
			typ     uint64
			payload []byte
			err     error
		}{typ, payload, err}
	}()

	select {
	case msg := <-subRelay.Events():
		if err := s.handleSubscribe(context.Background(), subRelay, subID, msg.Payload); err != nil {
			t.Fatalf("handleSubscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SUBSCRIBE")
	}

	select {
	case resp := <-respCh:
		if resp.err != nil {
			t.Fatalf("SendRequest: %v", resp.err)
		}
		if resp.typ != control.MsgSubscribeError {
			t.Fatalf("resp type = %#x, want MsgSubscribeError", resp.typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SubscribeError")
	}

	if err := s.manager.DeleteDownstreamSubscription(relation.SubKey{Session: subID, SubscribeID: reqID}); !errors.Is(err, relation.ErrUnknownSubscription) {
		t.Fatalf("downstream subscription leaked after rejection: err = %v", err)
	}
}

func TestOpenUpstreamWithRetryRetriesOnTrackAliasRetry(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	pubRelay, pubPeer := peerPair(t)
	defer pubRelay.Close(nil)
	defer pubPeer.Close(nil)

	pubID := relation.SessionID(pubRelay.ID())
	s.manager.SetupPublisher(pubID, 1000)
	s.registry.Add(pubRelay)

	attempts := 0
	go func() {
		for i := 0; i < 2; i++ {
			msg := <-pubPeer.Events()
			sub, err := control.ParseSubscribe(msg.Payload)
			if err != nil {
				t.Errorf("ParseSubscribe: %v", err)
				return
			}
			attempts++
			if attempts == 1 {
				pubPeer.Send(control.MsgSubscribeError, control.EncodeSubscribeError(control.SubscribeError{
					RequestID: sub.RequestID, ErrorCode: control.SubscribeErrorRetryTrackAlias,
				}))
				continue
			}
			pubPeer.Send(control.MsgSubscribeOk, control.EncodeSubscribeOk(control.SubscribeOk{
				RequestID: sub.RequestID, TrackAlias: sub.TrackAlias,
			}))
		}
	}()

	go pubRelay.Run(context.Background())
	go pubPeer.Run(context.Background())

	req := relation.UpstreamSubscribeRequest{Namespace: tuple("room", "member"), TrackName: "video", FilterType: control.FilterLatestGroup}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, reused, err := s.openUpstreamWithRetry(ctx, pubID, req)
	if err != nil {
		t.Fatalf("openUpstreamWithRetry: %v", err)
	}
	if reused {
		t.Fatal("first open reported reused")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestHandleMaxRequestIDRaisesCeiling(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	subRelay, subPeer := peerPair(t)
	defer subRelay.Close(nil)
	defer subPeer.Close(nil)

	subID := relation.SessionID(subRelay.ID())
	s.manager.SetupSubscriber(subID, 1)

	if err := s.handleMaxRequestID(subID, control.EncodeMaxRequestID(control.MaxRequestID{RequestID: 5})); err != nil {
		t.Fatalf("handleMaxRequestID: %v", err)
	}

	req := relation.DownstreamSubscribeRequest{SubscribeID: 3, TrackAlias: 1, Namespace: tuple("room"), TrackName: "video", FilterType: control.FilterLatestGroup}
	if err := s.manager.OpenDownstreamSubscription(subID, req); err != nil {
		t.Fatalf("subscribe after raised ceiling: %v", err)
	}
}

func TestDispatchLoopRoutesUnhandledMessageWithoutPanic(t *testing.T) {
	t.Parallel()

	s := newTestServer()
	relaySide, peerSide := peerPair(t)
	defer relaySide.Close(nil)
	defer peerSide.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go relaySide.Run(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.dispatchLoop(ctx, relaySide) }()

	if err := peerSide.Send(control.MsgGoAway, control.EncodeGoAway(control.GoAway{})); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("dispatchLoop returned %v, want DeadlineExceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchLoop did not return")
	}
}
