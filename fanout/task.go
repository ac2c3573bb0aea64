package fanout

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/datastream"
	"github.com/zsiec/moqrelay/transport"
)

// ControlSender is the slice of session.Session a Task needs to emit
// SUBSCRIBE_DONE for its own subscription; kept narrow so this package
// does not import session.
type ControlSender interface {
	Send(msgType uint64, payload []byte) error
}

// Params identifies one downstream subscription's delivery target.
type Params struct {
	SubscribeID uint64
	TrackAlias  uint64
	Priority    uint8
}

type subgroupKey struct {
	groupID    uint64
	subgroupID uint64
}

// Task drains one cache.Reader to one downstream connection until the
// range completes, the subscriber lags, or it is externally terminated.
type Task struct {
	log    zerolog.Logger
	conn   transport.Connection
	ctrl   ControlSender
	reader *cache.Reader
	track  *cache.Track
	params Params

	mu      sync.Mutex
	streams map[subgroupKey]openStream
	done    chan struct{}
}

type openStream struct {
	stream       transport.SendStream
	haveLast     bool
	lastObjectID uint64
}

// NewTask constructs a Task. Run must be called to start draining.
func NewTask(log zerolog.Logger, conn transport.Connection, ctrl ControlSender, reader *cache.Reader, track *cache.Track, params Params) *Task {
	return &Task{
		log:     log.With().Uint64("subscribe_id", params.SubscribeID).Uint64("track_alias", params.TrackAlias).Logger(),
		conn:    conn,
		ctrl:    ctrl,
		reader:  reader,
		track:   track,
		params:  params,
		streams: make(map[subgroupKey]openStream),
		done:    make(chan struct{}),
	}
}

// Run drains the reader until ctx is cancelled, the range completes, the
// subscriber is declared lagged, or a downstream write fails. It always
// resolves by closing every stream it opened. It sends SUBSCRIBE_DONE on
// range completion, lag, or a reader error; a ctx cancellation or a
// failed downstream write ends it without one.
func (t *Task) Run(ctx context.Context) {
	defer t.closeStreams()
	defer close(t.done)

	var lastGroup, lastObject uint64
	var delivered bool

	for {
		obj, ok, err := t.reader.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, cache.ErrSubscriberLagged) {
				t.sendDone(control.StatusGoingAway, "lagged", false, 0, 0)
				return
			}
			t.log.Debug().Err(err).Msg("fanout reader error")
			t.sendDone(control.StatusInternalError, err.Error(), false, 0, 0)
			return
		}
		if !ok {
			t.sendDone(control.StatusSubscriptionEnded, "", delivered, lastGroup, lastObject)
			return
		}

		if err := t.deliver(ctx, obj); err != nil {
			t.log.Debug().Err(err).Msg("fanout delivery write failed")
			return
		}
		lastGroup, lastObject, delivered = obj.GroupID, obj.ObjectID, true
	}
}

// Terminate stops the task from the outside (upstream gone, session
// closing) and sends SUBSCRIBE_DONE with the given status.
func (t *Task) Terminate(status control.SubscribeDoneStatus, reason string) {
	t.sendDone(status, reason, false, 0, 0)
}

// Done is closed once Run has returned and all streams are closed.
func (t *Task) Done() <-chan struct{} { return t.done }

func (t *Task) sendDone(status control.SubscribeDoneStatus, reason string, contentExists bool, finalGroup, finalObject uint64) {
	payload := control.EncodeSubscribeDone(control.SubscribeDone{
		SubscribeID:   t.params.SubscribeID,
		StatusCode:    status,
		ReasonPhrase:  reason,
		ContentExists: contentExists,
		FinalGroup:    finalGroup,
		FinalObject:   finalObject,
	})
	if err := t.ctrl.Send(control.MsgSubscribeDone, payload); err != nil {
		t.log.Debug().Err(err).Msg("send subscribe_done failed")
	}
}

func (t *Task) deliver(ctx context.Context, obj cache.Object) error {
	pref, ok := t.track.ForwardingPreference()
	if !ok || pref == control.ForwardingSubgroup {
		return t.deliverSubgroup(ctx, obj)
	}
	return t.deliverDatagram(obj)
}

func (t *Task) deliverSubgroup(ctx context.Context, obj cache.Object) error {
	key := subgroupKey{groupID: obj.GroupID, subgroupID: obj.SubgroupID}

	t.mu.Lock()
	st, ok := t.streams[key]
	t.mu.Unlock()

	if !ok {
		s, err := t.conn.OpenUniStream(ctx)
		if err != nil {
			return errors.Wrap(err, "open uni stream")
		}
		header := datastream.SubgroupHeader{
			SubscribeID:       t.params.SubscribeID,
			TrackAlias:        t.params.TrackAlias,
			GroupID:           obj.GroupID,
			SubgroupID:        obj.SubgroupID,
			PublisherPriority: obj.Priority,
		}
		if err := datastream.WriteSubgroupHeader(s, header); err != nil {
			s.Close()
			return errors.Wrap(err, "write subgroup header")
		}
		st = openStream{stream: s}
	}

	delta := obj.ObjectID
	if st.haveLast {
		delta = obj.ObjectID - st.lastObjectID
	}
	if err := datastream.WriteSubgroupObject(st.stream, datastream.SubgroupObject{
		ObjectIDDelta: delta,
		Extensions:    obj.Extensions,
		Payload:       obj.Payload,
	}); err != nil {
		st.stream.Close()
		t.mu.Lock()
		delete(t.streams, key)
		t.mu.Unlock()
		return errors.Wrap(err, "write subgroup object")
	}

	st.haveLast, st.lastObjectID = true, obj.ObjectID
	t.mu.Lock()
	t.streams[key] = st
	t.mu.Unlock()
	return nil
}

func (t *Task) deliverDatagram(obj cache.Object) error {
	data := datastream.EncodeDatagram(datastream.DatagramObject{
		TrackAlias:        t.params.TrackAlias,
		GroupID:           obj.GroupID,
		ObjectID:          obj.ObjectID,
		PublisherPriority: obj.Priority,
		Extensions:        obj.Extensions,
		Payload:           obj.Payload,
	})
	return errors.Wrap(t.conn.SendDatagram(data), "send datagram")
}

func (t *Task) closeStreams() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.streams {
		st.stream.Close()
		delete(t.streams, key)
	}
}
