package control

import (
	"bytes"
	"testing"

	"github.com/zsiec/moqrelay/wire"
)

func TestMessageFramingRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("hello")
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgClientSetup, payload); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgClientSetup {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgClientSetup)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestMessageFramingEmptyPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgGoAway, nil); err != nil {
		t.Fatal(err)
	}
	msgType, got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgGoAway {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgGoAway)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestMessageFramingTruncated(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"type only", []byte{0x20}},
		{"length truncated mid-varint", []byte{0x20, 0x40}},
	}
	for _, tc := range cases {
		if _, _, err := ReadMessage(bytes.NewReader(tc.buf)); err == nil {
			t.Fatalf("%s: expected error, got nil", tc.name)
		}
	}
}

func TestClientSetupRoundTrip(t *testing.T) {
	t.Parallel()

	want := ClientSetup{
		SupportedVersions: []uint64{VersionCurrent},
		Parameters: []SetupParameter{
			varintParam(ParamMaxSubscribeID, 1000),
			bytesParam(ParamPath, []byte("/moq")),
		},
	}
	got, err := ParseClientSetup(EncodeClientSetup(want))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.SupportedVersions) != 1 || got.SupportedVersions[0] != VersionCurrent {
		t.Fatalf("SupportedVersions = %v", got.SupportedVersions)
	}
	maxID, ok := setupUint64(got.Parameters, ParamMaxSubscribeID)
	if !ok || maxID != 1000 {
		t.Fatalf("MaxSubscribeID = %v, %v", maxID, ok)
	}
	path, ok := setupPath(got.Parameters)
	if !ok || path != "/moq" {
		t.Fatalf("Path = %q, %v", path, ok)
	}
}

func TestServerSetupRoundTrip(t *testing.T) {
	t.Parallel()

	want := ServerSetup{
		SelectedVersion: VersionCurrent,
		Parameters:      []SetupParameter{varintParam(ParamMaxSubscribeID, 500)},
	}
	got, err := ParseServerSetup(EncodeServerSetup(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.SelectedVersion != VersionCurrent {
		t.Fatalf("SelectedVersion = %#x", got.SelectedVersion)
	}
	maxID, ok := setupUint64(got.Parameters, ParamMaxSubscribeID)
	if !ok || maxID != 500 {
		t.Fatalf("MaxSubscribeID = %v, %v", maxID, ok)
	}
}

func TestAnnounceRoundTrip(t *testing.T) {
	t.Parallel()

	want := Announce{
		RequestID: 7,
		Namespace: [][]byte{[]byte("room"), []byte("member")},
	}
	got, err := ParseAnnounce(EncodeAnnounce(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != want.RequestID {
		t.Fatalf("RequestID = %d, want %d", got.RequestID, want.RequestID)
	}
	if len(got.Namespace) != 2 || string(got.Namespace[0]) != "room" || string(got.Namespace[1]) != "member" {
		t.Fatalf("Namespace = %v", got.Namespace)
	}
}

func TestAnnounceErrorRoundTrip(t *testing.T) {
	t.Parallel()

	want := AnnounceError{
		RequestID:    3,
		Namespace:    [][]byte{[]byte("room")},
		ErrorCode:    CodeUnauthorized,
		ReasonPhrase: "not allowed",
	}
	got, err := ParseAnnounceError(EncodeAnnounceError(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.ReasonPhrase != want.ReasonPhrase || got.ErrorCode != want.ErrorCode {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestSubscribeRoundTripLatestGroup(t *testing.T) {
	t.Parallel()

	want := Subscribe{
		RequestID:          1,
		TrackAlias:         2,
		Namespace:          [][]byte{[]byte("room")},
		TrackName:          "camera1",
		SubscriberPriority: 128,
		GroupOrder:         GroupOrderAscending,
		Forward:            ForwardingUnset,
		FilterType:         FilterLatestGroup,
	}
	got, err := ParseSubscribe(EncodeSubscribe(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.FilterType != FilterLatestGroup {
		t.Fatalf("FilterType = %v", got.FilterType)
	}
	if got.TrackName != "camera1" {
		t.Fatalf("TrackName = %q", got.TrackName)
	}
	if got.StartGroup != 0 || got.StartObject != 0 || got.EndGroup != 0 {
		t.Fatalf("unexpected range fields on LatestGroup: %+v", got)
	}
}

func TestSubscribeRoundTripAbsoluteRange(t *testing.T) {
	t.Parallel()

	want := Subscribe{
		RequestID:   5,
		TrackAlias:  9,
		Namespace:   [][]byte{[]byte("room")},
		TrackName:   "camera1",
		GroupOrder:  GroupOrderDescending,
		FilterType:  FilterAbsoluteRange,
		StartGroup:  1,
		StartObject: 0,
		EndGroup:    3,
	}
	got, err := ParseSubscribe(EncodeSubscribe(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.StartGroup != 1 || got.StartObject != 0 || got.EndGroup != 3 {
		t.Fatalf("range fields = %+v", got)
	}
}

func TestSubscribeInvalidFilterType(t *testing.T) {
	t.Parallel()

	s := Subscribe{Namespace: [][]byte{[]byte("room")}, TrackName: "x", FilterType: 0}
	if _, err := ParseSubscribe(EncodeSubscribe(s)); err == nil {
		t.Fatal("expected error for out-of-range filter_type")
	}
}

func TestSubscribeInvalidGroupOrder(t *testing.T) {
	t.Parallel()

	// Hand-build a Subscribe payload with an out-of-range group_order (3),
	// writing the field layout directly rather than through EncodeSubscribe.
	var buf []byte
	buf = wire.AppendVarint(buf, 1)                      // request_id
	buf = wire.AppendVarint(buf, 2)                      // track_alias
	buf = wire.AppendTuple(buf, [][]byte{[]byte("room")}) // namespace
	buf = wire.AppendString(buf, "x")                    // track_name
	buf = append(buf, 128)                               // subscriber_priority
	buf = append(buf, 3)                                 // group_order (invalid)
	buf = append(buf, byte(ForwardingUnset))              // forward
	buf = wire.AppendVarint(buf, uint64(FilterLatestObject))
	buf = wire.AppendVarint(buf, 0) // param_count

	if _, err := ParseSubscribe(buf); err == nil {
		t.Fatal("expected error for out-of-range group_order")
	}
}

func TestSubscribeOkRoundTripWithContent(t *testing.T) {
	t.Parallel()

	want := SubscribeOk{
		RequestID:     4,
		TrackAlias:    9,
		Expires:       0,
		GroupOrder:    GroupOrderAscending,
		ContentExists: true,
		LargestGroup:  10,
		LargestObject: 2,
	}
	got, err := ParseSubscribeOk(EncodeSubscribeOk(want))
	if err != nil {
		t.Fatal(err)
	}
	if !got.ContentExists || got.LargestGroup != 10 || got.LargestObject != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeErrorRoundTripWithHint(t *testing.T) {
	t.Parallel()

	want := SubscribeError{
		RequestID:      2,
		ErrorCode:      1,
		ReasonPhrase:   "retry",
		HasTrackAlias:  true,
		TrackAliasHint: 99,
	}
	got, err := ParseSubscribeError(EncodeSubscribeError(want))
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasTrackAlias || got.TrackAliasHint != 99 {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeDoneRoundTrip(t *testing.T) {
	t.Parallel()

	want := SubscribeDone{
		SubscribeID:   1,
		StatusCode:    StatusSubscriptionEnded,
		ReasonPhrase:  "range complete",
		ContentExists: true,
		FinalGroup:    3,
		FinalObject:   2,
	}
	got, err := ParseSubscribeDone(EncodeSubscribeDone(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.StatusCode != StatusSubscriptionEnded || got.FinalGroup != 3 || got.FinalObject != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	got, err := ParseUnsubscribe(EncodeUnsubscribe(Unsubscribe{SubscribeID: 42}))
	if err != nil {
		t.Fatal(err)
	}
	if got.SubscribeID != 42 {
		t.Fatalf("SubscribeID = %d", got.SubscribeID)
	}
}

func TestGoAwayRoundTrip(t *testing.T) {
	t.Parallel()
	got, err := ParseGoAway(EncodeGoAway(GoAway{NewSessionURI: "https://relay2.example/moq"}))
	if err != nil {
		t.Fatal(err)
	}
	if got.NewSessionURI != "https://relay2.example/moq" {
		t.Fatalf("NewSessionURI = %q", got.NewSessionURI)
	}
}

func TestMaxRequestIDRoundTrip(t *testing.T) {
	t.Parallel()
	got, err := ParseMaxRequestID(EncodeMaxRequestID(MaxRequestID{RequestID: 2000}))
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != 2000 {
		t.Fatalf("RequestID = %d", got.RequestID)
	}
}

func TestDialectForVersion(t *testing.T) {
	t.Parallel()
	if DialectForVersion(VersionCurrent) != DialectCurrent {
		t.Fatal("expected current dialect for VersionCurrent")
	}
	if DialectForVersion(VersionLegacy) != DialectLegacy {
		t.Fatal("expected legacy dialect for VersionLegacy")
	}
}

func TestAnnounceLegacyRoundTrip(t *testing.T) {
	t.Parallel()
	want := Announce{RequestID: 1, Namespace: [][]byte{[]byte("room")}}
	got, err := ParseAnnounceLegacy(EncodeAnnounceLegacy(want))
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != 1 || len(got.Namespace) != 1 {
		t.Fatalf("got %+v", got)
	}
}
