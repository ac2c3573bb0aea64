package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"

	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/fanout"
	"github.com/zsiec/moqrelay/relation"
	"github.com/zsiec/moqrelay/session"
)

// errRetryTrackAlias marks an upstream SUBSCRIBE_ERROR{RetryTrackAlias}:
// the publisher wants the relay to retry with a fresh track_alias rather
// than fail the waiting downstream.
var errRetryTrackAlias = errors.New("relay: upstream requested retry with a new track_alias")

// subscribeRetryTimeout bounds the exponential backoff around a
// RetryTrackAlias upstream response, per SPEC_FULL.md's retry/backoff
// section: capped at the subscribe-request timeout rather than retrying
// forever.
const subscribeRetryTimeout = 10 * time.Second

// dispatchLoop drains sess.Events() and routes each request-direction
// control message to the matching handler until the session closes or
// ctx is cancelled.
func (s *Server) dispatchLoop(ctx context.Context, sess *session.Session) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sess.Events():
			if !ok {
				return nil
			}
			s.handleMessage(ctx, sess, msg)
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, sess *session.Session, msg session.RoutedMessage) {
	sessionID := relation.SessionID(sess.ID())

	var err error
	switch msg.Type {
	case control.MsgAnnounce:
		err = s.handleAnnounce(sess, sessionID, msg.Payload)
	case control.MsgUnannounce:
		err = s.handleUnannounce(sessionID, msg.Payload)
	case control.MsgSubscribeNamespace:
		err = s.handleSubscribeNamespace(sess, sessionID, msg.Payload)
	case control.MsgUnsubscribeNamespace:
		err = s.handleUnsubscribeNamespace(sessionID, msg.Payload)
	case control.MsgSubscribe:
		err = s.handleSubscribe(ctx, sess, sessionID, msg.Payload)
	case control.MsgUnsubscribe:
		err = s.handleUnsubscribe(sessionID, msg.Payload)
	case control.MsgMaxRequestID:
		err = s.handleMaxRequestID(sessionID, msg.Payload)
	case control.MsgGoAway:
		s.log.Debug().Str("session", sess.ID()).Msg("peer requested GoAway")
	default:
		s.log.Debug().Uint64("type", msg.Type).Msg("unhandled control message type")
	}
	if err != nil {
		s.log.Debug().Err(err).Str("session", sess.ID()).Uint64("type", msg.Type).Msg("control message handling failed")
	}
}

func (s *Server) handleAnnounce(sess *session.Session, sessionID relation.SessionID, payload []byte) error {
	a, err := control.ParseAnnounce(payload)
	if err != nil {
		return err
	}
	if err := s.manager.Announce(sessionID, a.Namespace); err != nil {
		return sess.Send(control.MsgAnnounceError, control.EncodeAnnounceError(control.AnnounceError{
			RequestID:    a.RequestID,
			Namespace:    a.Namespace,
			ErrorCode:    control.CodeInternalError,
			ReasonPhrase: err.Error(),
		}))
	}
	if err := sess.Send(control.MsgAnnounceOk, control.EncodeAnnounceOk(control.AnnounceOk{RequestID: a.RequestID})); err != nil {
		return err
	}

	for _, peerID := range s.manager.MatchNamespace(a.Namespace) {
		s.sendToSession(peerID, control.MsgAnnounce, control.EncodeAnnounce(control.Announce{Namespace: a.Namespace}))
	}
	return nil
}

func (s *Server) handleUnannounce(sessionID relation.SessionID, payload []byte) error {
	u, err := control.ParseUnannounce(payload)
	if err != nil {
		return err
	}
	affected, err := s.manager.Unannounce(sessionID, u.Namespace)
	if err != nil {
		return err
	}
	for _, peerID := range affected {
		s.sendToSession(peerID, control.MsgUnannounce, control.EncodeUnannounce(control.Unannounce{Namespace: u.Namespace}))
	}
	return nil
}

func (s *Server) handleSubscribeNamespace(sess *session.Session, sessionID relation.SessionID, payload []byte) error {
	sn, err := control.ParseSubscribeNamespace(payload)
	if err != nil {
		return err
	}
	matches := s.manager.SubscribePrefix(sessionID, sn.Prefix)
	if err := sess.Send(control.MsgSubscribeNamespaceOk, control.EncodeSubscribeNamespaceOk(control.SubscribeNamespaceOk{RequestID: sn.RequestID})); err != nil {
		return err
	}
	for _, ns := range matches {
		if err := sess.Send(control.MsgAnnounce, control.EncodeAnnounce(control.Announce{Namespace: ns})); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUnsubscribeNamespace(sessionID relation.SessionID, payload []byte) error {
	u, err := control.ParseUnsubscribeNamespace(payload)
	if err != nil {
		return err
	}
	s.manager.UnsubscribePrefix(sessionID, u.Prefix)
	return nil
}

// handleMaxRequestID consumes a peer's MAX_REQUEST_ID follow-up, raising
// that session's concurrent-subscribe ceiling without a new handshake.
func (s *Server) handleMaxRequestID(sessionID relation.SessionID, payload []byte) error {
	m, err := control.ParseMaxRequestID(payload)
	if err != nil {
		return err
	}
	return s.manager.RaiseMaxSubscribeID(sessionID, m.RequestID)
}

func (s *Server) handleUnsubscribe(sessionID relation.SessionID, payload []byte) error {
	u, err := control.ParseUnsubscribe(payload)
	if err != nil {
		return err
	}
	key := relation.SubKey{Session: sessionID, SubscribeID: u.SubscribeID}
	s.fanout.Stop(key, control.StatusUnsubscribed, "")
	return s.manager.DeleteDownstreamSubscription(key)
}

// handleSubscribe serves a downstream SUBSCRIBE: it resolves (or opens)
// the upstream subscription feeding the requested track, pairs the two,
// and starts a fan-out Task draining the cache into the subscriber's own
// connection.
func (s *Server) handleSubscribe(ctx context.Context, sess *session.Session, sessionID relation.SessionID, payload []byte) error {
	sub, err := control.ParseSubscribe(payload)
	if err != nil {
		return err
	}

	req := relation.DownstreamSubscribeRequest{
		SubscribeID: sub.RequestID,
		TrackAlias:  sub.TrackAlias,
		Namespace:   sub.Namespace,
		TrackName:   sub.TrackName,
		Priority:    sub.SubscriberPriority,
		GroupOrder:  sub.GroupOrder,
		FilterType:  sub.FilterType,
		Range:       rangeFromSubscribe(sub),
	}

	if err := s.manager.OpenDownstreamSubscription(sessionID, req); err != nil {
		return sess.Send(control.MsgSubscribeError, control.EncodeSubscribeError(control.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    control.CodeInternalError,
			ReasonPhrase: err.Error(),
		}))
	}
	downstreamKey := relation.SubKey{Session: sessionID, SubscribeID: sub.RequestID}

	upstreamSessionID, ok := s.manager.UpstreamSessionFor(sub.Namespace)
	if !ok {
		s.manager.DeleteDownstreamSubscription(downstreamKey)
		return sess.Send(control.MsgSubscribeError, control.EncodeSubscribeError(control.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    control.CodeInternalError,
			ReasonPhrase: relation.ErrTrackDoesNotExist.Error(),
		}))
	}

	upstreamReq := relation.UpstreamSubscribeRequest{
		Namespace:  sub.Namespace,
		TrackName:  sub.TrackName,
		Priority:   sub.SubscriberPriority,
		GroupOrder: sub.GroupOrder,
		FilterType: sub.FilterType,
		Range:      req.Range,
	}
	upSubID, trackAlias, _, err := s.openUpstreamWithRetry(ctx, upstreamSessionID, upstreamReq)
	if err != nil {
		s.manager.DeleteDownstreamSubscription(downstreamKey)
		return sess.Send(control.MsgSubscribeError, control.EncodeSubscribeError(control.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    control.CodeInternalError,
			ReasonPhrase: err.Error(),
		}))
	}
	upstreamKey := relation.SubKey{Session: upstreamSessionID, SubscribeID: upSubID}
	s.manager.ActivateUpstream(upstreamKey)

	if err := s.manager.Pair(upstreamKey, downstreamKey); err != nil {
		return err
	}
	s.manager.ActivateDownstream(downstreamKey)

	track := s.cache.GetOrCreate(trackAlias)

	params := fanout.Params{SubscribeID: sub.RequestID, TrackAlias: sub.TrackAlias, Priority: sub.SubscriberPriority}
	startGroup, startObject, endGroup := rangePointers(req.Range)
	if err := s.fanout.Start(sess.Context(), downstreamKey, sess.Conn(), sess, track, params, sub.FilterType, sub.GroupOrder, startGroup, startObject, endGroup); err != nil {
		s.manager.DeleteDownstreamSubscription(downstreamKey)
		return sess.Send(control.MsgSubscribeError, control.EncodeSubscribeError(control.SubscribeError{
			RequestID:    sub.RequestID,
			ErrorCode:    control.CodeInternalError,
			ReasonPhrase: err.Error(),
		}))
	}

	ok2 := control.SubscribeOk{
		RequestID:  sub.RequestID,
		TrackAlias: sub.TrackAlias,
		GroupOrder: sub.GroupOrder,
	}
	if g, o, have := track.Latest(); have {
		ok2.ContentExists = true
		ok2.LargestGroup = g
		ok2.LargestObject = o
	}
	return sess.Send(control.MsgSubscribeOk, control.EncodeSubscribeOk(ok2))
}

// openUpstreamWithRetry wraps Manager.OpenUpstreamSubscription in an
// exponential backoff: when the publisher answers SUBSCRIBE_ERROR{
// RetryTrackAlias}, OpenUpstreamSubscription's singleflight group
// re-executes doSubscribe on the next tick, which allocates a fresh
// track_alias from the manager's counter. Any other failure aborts
// immediately.
func (s *Server) openUpstreamWithRetry(ctx context.Context, upstreamSessionID relation.SessionID, req relation.UpstreamSubscribeRequest) (subscribeID, trackAlias uint64, reused bool, err error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = subscribeRetryTimeout

	err = backoff.Retry(func() error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		subscribeID, trackAlias, reused, err = s.manager.OpenUpstreamSubscription(upstreamSessionID, req, func(alias uint64) (uint64, error) {
			return s.subscribeUpstream(ctx, upstreamSessionID, alias, req)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errRetryTrackAlias) {
			return err
		}
		return backoff.Permanent(err)
	}, b)
	return subscribeID, trackAlias, reused, err
}

// subscribeUpstream sends a real SUBSCRIBE to the publisher session and
// waits for its response, used as the doSubscribe callback of
// Manager.OpenUpstreamSubscription.
func (s *Server) subscribeUpstream(ctx context.Context, upstreamSessionID relation.SessionID, trackAlias uint64, req relation.UpstreamSubscribeRequest) (uint64, error) {
	upstream, ok := s.registry.Get(string(upstreamSessionID))
	if !ok {
		return 0, errors.New("relay: upstream session not found")
	}

	reqID := upstream.NextRequestID()
	startGroup, startObject, endGroup := rangePointers(req.Range)
	msg := control.Subscribe{
		RequestID:          reqID,
		TrackAlias:         trackAlias,
		Namespace:          req.Namespace,
		TrackName:          req.TrackName,
		SubscriberPriority: req.Priority,
		GroupOrder:         req.GroupOrder,
		FilterType:         req.FilterType,
	}
	if startGroup != nil {
		msg.StartGroup = *startGroup
	}
	if startObject != nil {
		msg.StartObject = *startObject
	}
	if endGroup != nil {
		msg.EndGroup = *endGroup
	}

	respType, respPayload, err := upstream.SendRequest(ctx, control.MsgSubscribe, control.EncodeSubscribe(msg), reqID)
	if err != nil {
		return 0, err
	}
	if respType == control.MsgSubscribeError {
		subErr, perr := control.ParseSubscribeError(respPayload)
		if perr != nil {
			return 0, perr
		}
		if subErr.ErrorCode == control.SubscribeErrorRetryTrackAlias {
			return 0, errRetryTrackAlias
		}
		return 0, errors.Newf("relay: upstream subscribe error %d: %s", subErr.ErrorCode, subErr.ReasonPhrase)
	}
	if _, err := control.ParseSubscribeOk(respPayload); err != nil {
		return 0, err
	}
	return reqID, nil
}

func rangeFromSubscribe(sub control.Subscribe) relation.Range {
	var rng relation.Range
	switch sub.FilterType {
	case control.FilterAbsoluteStart:
		rng.StartGroup = &sub.StartGroup
		rng.StartObject = &sub.StartObject
	case control.FilterAbsoluteRange:
		rng.StartGroup = &sub.StartGroup
		rng.StartObject = &sub.StartObject
		rng.EndGroup = &sub.EndGroup
	}
	return rng
}

func rangePointers(rng relation.Range) (startGroup, startObject, endGroup *uint64) {
	return rng.StartGroup, rng.StartObject, rng.EndGroup
}
