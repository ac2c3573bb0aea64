package control

import (
	"bufio"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/moqrelay/wire"
)

// ReadMessage reads one control message from the control stream. The wire
// framing is `varint message_type | varint payload_length | payload_bytes`
// — this relay uses a varint length rather than the fixed-width length
// field older MoQT drafts used, matching the negotiated wire contract.
func ReadMessage(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		buffered := bufio.NewReader(r)
		br = buffered
		r = buffered
	}

	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read message type")
	}
	length, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read message length")
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, errors.Wrap(err, "read message payload")
		}
	}
	return msgType, payload, nil
}

// WriteMessage writes one control message as a single Write call, so
// concurrent writers on the same stream never interleave a partial frame.
func WriteMessage(w io.Writer, msgType uint64, payload []byte) error {
	buf := wire.AppendVarint(nil, msgType)
	buf = wire.AppendVarint(buf, uint64(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readParameters(r *wire.Reader) ([]SetupParameter, error) {
	count, err := r.ReadVarint()
	if err != nil {
		return nil, parseErr("parameters", "count", err)
	}
	params := make([]SetupParameter, 0, count)
	for i := uint64(0); i < count; i++ {
		key, err := r.ReadVarint()
		if err != nil {
			return nil, parseErr("parameters", "key", err)
		}
		if key%2 == 1 {
			v, err := r.ReadBytes()
			if err != nil {
				return nil, parseErr("parameters", "bytes value", err)
			}
			params = append(params, bytesParam(key, v))
		} else {
			v, err := r.ReadVarint()
			if err != nil {
				return nil, parseErr("parameters", "varint value", err)
			}
			params = append(params, varintParam(key, v))
		}
	}
	return params, nil
}

func appendParameters(buf []byte, params []SetupParameter) []byte {
	buf = wire.AppendVarint(buf, uint64(len(params)))
	for _, p := range params {
		buf = wire.AppendVarint(buf, p.Key)
		if p.Key%2 == 1 {
			buf = wire.AppendBytes(buf, p.Bytes)
		} else {
			buf = wire.AppendVarint(buf, p.Varint)
		}
	}
	return buf
}

// ParseClientSetup parses a current-dialect CLIENT_SETUP payload.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := wire.NewReader(data)
	var cs ClientSetup

	n, err := r.ReadVarint()
	if err != nil {
		return cs, parseErr("ClientSetup", "num_versions", err)
	}
	cs.SupportedVersions = make([]uint64, n)
	for i := range cs.SupportedVersions {
		v, err := r.ReadVarint()
		if err != nil {
			return cs, parseErr("ClientSetup", "version", err)
		}
		cs.SupportedVersions[i] = v
	}

	cs.Parameters, err = readParameters(r)
	if err != nil {
		return cs, err
	}
	return cs, nil
}

// EncodeClientSetup serializes a current-dialect CLIENT_SETUP payload.
func EncodeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = wire.AppendVarint(buf, uint64(len(cs.SupportedVersions)))
	for _, v := range cs.SupportedVersions {
		buf = wire.AppendVarint(buf, v)
	}
	return appendParameters(buf, cs.Parameters)
}

// ParseServerSetup parses a current-dialect SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := wire.NewReader(data)
	var ss ServerSetup
	var err error
	ss.SelectedVersion, err = r.ReadVarint()
	if err != nil {
		return ss, parseErr("ServerSetup", "selected_version", err)
	}
	ss.Parameters, err = readParameters(r)
	if err != nil {
		return ss, err
	}
	return ss, nil
}

// EncodeServerSetup serializes a current-dialect SERVER_SETUP payload.
func EncodeServerSetup(ss ServerSetup) []byte {
	buf := wire.AppendVarint(nil, ss.SelectedVersion)
	return appendParameters(buf, ss.Parameters)
}

// ParseAnnounce parses an ANNOUNCE / PUBLISH_NAMESPACE payload.
func ParseAnnounce(data []byte) (Announce, error) {
	r := wire.NewReader(data)
	var a Announce
	var err error
	a.RequestID, err = r.ReadVarint()
	if err != nil {
		return a, parseErr("Announce", "request_id", err)
	}
	a.Namespace, err = r.ReadTuple()
	if err != nil {
		return a, parseErr("Announce", "namespace", err)
	}
	a.Parameters, err = readParameters(r)
	if err != nil {
		return a, err
	}
	return a, nil
}

// EncodeAnnounce serializes an ANNOUNCE / PUBLISH_NAMESPACE payload.
func EncodeAnnounce(a Announce) []byte {
	buf := wire.AppendVarint(nil, a.RequestID)
	buf = wire.AppendTuple(buf, a.Namespace)
	return appendParameters(buf, a.Parameters)
}

// ParseAnnounceOk parses an ANNOUNCE_OK payload.
func ParseAnnounceOk(data []byte) (AnnounceOk, error) {
	r := wire.NewReader(data)
	id, err := r.ReadVarint()
	if err != nil {
		return AnnounceOk{}, parseErr("AnnounceOk", "request_id", err)
	}
	return AnnounceOk{RequestID: id}, nil
}

// EncodeAnnounceOk serializes an ANNOUNCE_OK payload.
func EncodeAnnounceOk(a AnnounceOk) []byte {
	return wire.AppendVarint(nil, a.RequestID)
}

// ParseAnnounceError parses an ANNOUNCE_ERROR payload.
func ParseAnnounceError(data []byte) (AnnounceError, error) {
	r := wire.NewReader(data)
	var a AnnounceError
	var err error
	a.RequestID, err = r.ReadVarint()
	if err != nil {
		return a, parseErr("AnnounceError", "request_id", err)
	}
	a.Namespace, err = r.ReadTuple()
	if err != nil {
		return a, parseErr("AnnounceError", "namespace", err)
	}
	a.ErrorCode, err = r.ReadVarint()
	if err != nil {
		return a, parseErr("AnnounceError", "error_code", err)
	}
	a.ReasonPhrase, err = r.ReadString()
	if err != nil {
		return a, parseErr("AnnounceError", "reason_phrase", err)
	}
	return a, nil
}

// EncodeAnnounceError serializes an ANNOUNCE_ERROR payload.
func EncodeAnnounceError(a AnnounceError) []byte {
	buf := wire.AppendVarint(nil, a.RequestID)
	buf = wire.AppendTuple(buf, a.Namespace)
	buf = wire.AppendVarint(buf, a.ErrorCode)
	return wire.AppendString(buf, a.ReasonPhrase)
}

// ParseUnannounce parses an UNANNOUNCE payload.
func ParseUnannounce(data []byte) (Unannounce, error) {
	r := wire.NewReader(data)
	ns, err := r.ReadTuple()
	if err != nil {
		return Unannounce{}, parseErr("Unannounce", "namespace", err)
	}
	return Unannounce{Namespace: ns}, nil
}

// EncodeUnannounce serializes an UNANNOUNCE payload.
func EncodeUnannounce(u Unannounce) []byte {
	return wire.AppendTuple(nil, u.Namespace)
}

// ParseSubscribeNamespace parses a SUBSCRIBE_NAMESPACE payload.
func ParseSubscribeNamespace(data []byte) (SubscribeNamespace, error) {
	r := wire.NewReader(data)
	var s SubscribeNamespace
	var err error
	s.RequestID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeNamespace", "request_id", err)
	}
	s.Prefix, err = r.ReadTuple()
	if err != nil {
		return s, parseErr("SubscribeNamespace", "prefix", err)
	}
	s.Parameters, err = readParameters(r)
	if err != nil {
		return s, err
	}
	return s, nil
}

// EncodeSubscribeNamespace serializes a SUBSCRIBE_NAMESPACE payload.
func EncodeSubscribeNamespace(s SubscribeNamespace) []byte {
	buf := wire.AppendVarint(nil, s.RequestID)
	buf = wire.AppendTuple(buf, s.Prefix)
	return appendParameters(buf, s.Parameters)
}

// ParseSubscribeNamespaceOk parses a SUBSCRIBE_NAMESPACE_OK payload.
func ParseSubscribeNamespaceOk(data []byte) (SubscribeNamespaceOk, error) {
	r := wire.NewReader(data)
	id, err := r.ReadVarint()
	if err != nil {
		return SubscribeNamespaceOk{}, parseErr("SubscribeNamespaceOk", "request_id", err)
	}
	return SubscribeNamespaceOk{RequestID: id}, nil
}

// EncodeSubscribeNamespaceOk serializes a SUBSCRIBE_NAMESPACE_OK payload.
func EncodeSubscribeNamespaceOk(s SubscribeNamespaceOk) []byte {
	return wire.AppendVarint(nil, s.RequestID)
}

// ParseSubscribeNamespaceError parses a SUBSCRIBE_NAMESPACE_ERROR payload.
func ParseSubscribeNamespaceError(data []byte) (SubscribeNamespaceError, error) {
	r := wire.NewReader(data)
	var s SubscribeNamespaceError
	var err error
	s.RequestID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeNamespaceError", "request_id", err)
	}
	s.ErrorCode, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeNamespaceError", "error_code", err)
	}
	s.ReasonPhrase, err = r.ReadString()
	if err != nil {
		return s, parseErr("SubscribeNamespaceError", "reason_phrase", err)
	}
	return s, nil
}

// EncodeSubscribeNamespaceError serializes a SUBSCRIBE_NAMESPACE_ERROR payload.
func EncodeSubscribeNamespaceError(s SubscribeNamespaceError) []byte {
	buf := wire.AppendVarint(nil, s.RequestID)
	buf = wire.AppendVarint(buf, s.ErrorCode)
	return wire.AppendString(buf, s.ReasonPhrase)
}

// ParseUnsubscribeNamespace parses an UNSUBSCRIBE_NAMESPACE payload.
func ParseUnsubscribeNamespace(data []byte) (UnsubscribeNamespace, error) {
	r := wire.NewReader(data)
	prefix, err := r.ReadTuple()
	if err != nil {
		return UnsubscribeNamespace{}, parseErr("UnsubscribeNamespace", "prefix", err)
	}
	return UnsubscribeNamespace{Prefix: prefix}, nil
}

// EncodeUnsubscribeNamespace serializes an UNSUBSCRIBE_NAMESPACE payload.
func EncodeUnsubscribeNamespace(u UnsubscribeNamespace) []byte {
	return wire.AppendTuple(nil, u.Prefix)
}

// ParseSubscribe parses a SUBSCRIBE payload.
func ParseSubscribe(data []byte) (Subscribe, error) {
	r := wire.NewReader(data)
	var s Subscribe
	var err error

	s.RequestID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("Subscribe", "request_id", err)
	}
	s.TrackAlias, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("Subscribe", "track_alias", err)
	}
	s.Namespace, err = r.ReadTuple()
	if err != nil {
		return s, parseErr("Subscribe", "namespace", err)
	}
	s.TrackName, err = r.ReadString()
	if err != nil {
		return s, parseErr("Subscribe", "track_name", err)
	}
	priority, err := r.ReadByte()
	if err != nil {
		return s, parseErr("Subscribe", "subscriber_priority", err)
	}
	s.SubscriberPriority = priority

	order, err := r.ReadByte()
	if err != nil {
		return s, parseErr("Subscribe", "group_order", err)
	}
	s.GroupOrder = GroupOrder(order)
	if !s.GroupOrder.Valid() {
		return s, parseErr("Subscribe", "group_order", errors.Wrapf(ErrProtocolViolation, "value %d", order))
	}

	forward, err := r.ReadByte()
	if err != nil {
		return s, parseErr("Subscribe", "forward", err)
	}
	s.Forward = ForwardingPreference(forward)

	filter, err := r.ReadVarint()
	if err != nil {
		return s, parseErr("Subscribe", "filter_type", err)
	}
	s.FilterType = FilterType(filter)
	if !s.FilterType.Valid() {
		return s, parseErr("Subscribe", "filter_type", errors.Wrapf(ErrProtocolViolation, "value %d", filter))
	}

	switch s.FilterType {
	case FilterAbsoluteStart:
		if s.StartGroup, err = r.ReadVarint(); err != nil {
			return s, parseErr("Subscribe", "start_group", err)
		}
		if s.StartObject, err = r.ReadVarint(); err != nil {
			return s, parseErr("Subscribe", "start_object", err)
		}
	case FilterAbsoluteRange:
		if s.StartGroup, err = r.ReadVarint(); err != nil {
			return s, parseErr("Subscribe", "start_group", err)
		}
		if s.StartObject, err = r.ReadVarint(); err != nil {
			return s, parseErr("Subscribe", "start_object", err)
		}
		if s.EndGroup, err = r.ReadVarint(); err != nil {
			return s, parseErr("Subscribe", "end_group", err)
		}
	}

	s.Parameters, err = readParameters(r)
	if err != nil {
		return s, err
	}
	return s, nil
}

// EncodeSubscribe serializes a SUBSCRIBE payload.
func EncodeSubscribe(s Subscribe) []byte {
	buf := wire.AppendVarint(nil, s.RequestID)
	buf = wire.AppendVarint(buf, s.TrackAlias)
	buf = wire.AppendTuple(buf, s.Namespace)
	buf = wire.AppendString(buf, s.TrackName)
	buf = append(buf, s.SubscriberPriority)
	buf = append(buf, byte(s.GroupOrder))
	buf = append(buf, byte(s.Forward))
	buf = wire.AppendVarint(buf, uint64(s.FilterType))

	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = wire.AppendVarint(buf, s.StartGroup)
		buf = wire.AppendVarint(buf, s.StartObject)
	case FilterAbsoluteRange:
		buf = wire.AppendVarint(buf, s.StartGroup)
		buf = wire.AppendVarint(buf, s.StartObject)
		buf = wire.AppendVarint(buf, s.EndGroup)
	}

	return appendParameters(buf, s.Parameters)
}

// ParseSubscribeOk parses a SUBSCRIBE_OK payload.
func ParseSubscribeOk(data []byte) (SubscribeOk, error) {
	r := wire.NewReader(data)
	var s SubscribeOk
	var err error

	s.RequestID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeOk", "request_id", err)
	}
	s.TrackAlias, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeOk", "track_alias", err)
	}
	s.Expires, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeOk", "expires", err)
	}
	order, err := r.ReadByte()
	if err != nil {
		return s, parseErr("SubscribeOk", "group_order", err)
	}
	s.GroupOrder = GroupOrder(order)

	contentExists, err := r.ReadByte()
	if err != nil {
		return s, parseErr("SubscribeOk", "content_exists", err)
	}
	s.ContentExists = contentExists != 0
	if s.ContentExists {
		if s.LargestGroup, err = r.ReadVarint(); err != nil {
			return s, parseErr("SubscribeOk", "largest_group", err)
		}
		if s.LargestObject, err = r.ReadVarint(); err != nil {
			return s, parseErr("SubscribeOk", "largest_object", err)
		}
	}

	s.Parameters, err = readParameters(r)
	if err != nil {
		return s, err
	}
	return s, nil
}

// EncodeSubscribeOk serializes a SUBSCRIBE_OK payload.
func EncodeSubscribeOk(s SubscribeOk) []byte {
	buf := wire.AppendVarint(nil, s.RequestID)
	buf = wire.AppendVarint(buf, s.TrackAlias)
	buf = wire.AppendVarint(buf, s.Expires)
	buf = append(buf, byte(s.GroupOrder))
	if s.ContentExists {
		buf = append(buf, 1)
		buf = wire.AppendVarint(buf, s.LargestGroup)
		buf = wire.AppendVarint(buf, s.LargestObject)
	} else {
		buf = append(buf, 0)
	}
	return appendParameters(buf, s.Parameters)
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := wire.NewReader(data)
	var s SubscribeError
	var err error

	s.RequestID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeError", "request_id", err)
	}
	s.ErrorCode, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeError", "error_code", err)
	}
	s.ReasonPhrase, err = r.ReadString()
	if err != nil {
		return s, parseErr("SubscribeError", "reason_phrase", err)
	}
	if r.Len() > 0 {
		hint, err := r.ReadVarint()
		if err != nil {
			return s, parseErr("SubscribeError", "track_alias_hint", err)
		}
		s.HasTrackAlias = true
		s.TrackAliasHint = hint
	}
	return s, nil
}

// EncodeSubscribeError serializes a SUBSCRIBE_ERROR payload.
func EncodeSubscribeError(s SubscribeError) []byte {
	buf := wire.AppendVarint(nil, s.RequestID)
	buf = wire.AppendVarint(buf, s.ErrorCode)
	buf = wire.AppendString(buf, s.ReasonPhrase)
	if s.HasTrackAlias {
		buf = wire.AppendVarint(buf, s.TrackAliasHint)
	}
	return buf
}

// ParseUnsubscribe parses an UNSUBSCRIBE payload.
func ParseUnsubscribe(data []byte) (Unsubscribe, error) {
	r := wire.NewReader(data)
	id, err := r.ReadVarint()
	if err != nil {
		return Unsubscribe{}, parseErr("Unsubscribe", "subscribe_id", err)
	}
	return Unsubscribe{SubscribeID: id}, nil
}

// EncodeUnsubscribe serializes an UNSUBSCRIBE payload.
func EncodeUnsubscribe(u Unsubscribe) []byte {
	return wire.AppendVarint(nil, u.SubscribeID)
}

// ParseSubscribeDone parses a SUBSCRIBE_DONE payload.
func ParseSubscribeDone(data []byte) (SubscribeDone, error) {
	r := wire.NewReader(data)
	var s SubscribeDone
	var err error

	s.SubscribeID, err = r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeDone", "subscribe_id", err)
	}
	status, err := r.ReadVarint()
	if err != nil {
		return s, parseErr("SubscribeDone", "status_code", err)
	}
	s.StatusCode = SubscribeDoneStatus(status)
	s.ReasonPhrase, err = r.ReadString()
	if err != nil {
		return s, parseErr("SubscribeDone", "reason_phrase", err)
	}
	contentExists, err := r.ReadByte()
	if err != nil {
		return s, parseErr("SubscribeDone", "content_exists", err)
	}
	s.ContentExists = contentExists != 0
	if s.ContentExists {
		if s.FinalGroup, err = r.ReadVarint(); err != nil {
			return s, parseErr("SubscribeDone", "final_group_id", err)
		}
		if s.FinalObject, err = r.ReadVarint(); err != nil {
			return s, parseErr("SubscribeDone", "final_object_id", err)
		}
	}
	return s, nil
}

// EncodeSubscribeDone serializes a SUBSCRIBE_DONE payload.
func EncodeSubscribeDone(s SubscribeDone) []byte {
	buf := wire.AppendVarint(nil, s.SubscribeID)
	buf = wire.AppendVarint(buf, uint64(s.StatusCode))
	buf = wire.AppendString(buf, s.ReasonPhrase)
	if s.ContentExists {
		buf = append(buf, 1)
		buf = wire.AppendVarint(buf, s.FinalGroup)
		buf = wire.AppendVarint(buf, s.FinalObject)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// ParseMaxRequestID parses a MAX_REQUEST_ID payload.
func ParseMaxRequestID(data []byte) (MaxRequestID, error) {
	r := wire.NewReader(data)
	id, err := r.ReadVarint()
	if err != nil {
		return MaxRequestID{}, parseErr("MaxRequestID", "request_id", err)
	}
	return MaxRequestID{RequestID: id}, nil
}

// EncodeMaxRequestID serializes a MAX_REQUEST_ID payload.
func EncodeMaxRequestID(m MaxRequestID) []byte {
	return wire.AppendVarint(nil, m.RequestID)
}

// ParseGoAway parses a GOAWAY payload.
func ParseGoAway(data []byte) (GoAway, error) {
	r := wire.NewReader(data)
	uri, err := r.ReadString()
	if err != nil {
		return GoAway{}, parseErr("GoAway", "new_session_uri", err)
	}
	return GoAway{NewSessionURI: uri}, nil
}

// EncodeGoAway serializes a GOAWAY payload.
func EncodeGoAway(g GoAway) []byte {
	return wire.AppendString(nil, g.NewSessionURI)
}
