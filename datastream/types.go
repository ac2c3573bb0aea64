package datastream

import "github.com/zsiec/moqrelay/control"

// Data-stream type IDs: the leading varint on every unidirectional stream
// and the leading varint on every datagram.
const (
	// TypeObjectDatagram marks a datagram carrying exactly one object.
	TypeObjectDatagram uint64 = 0x01
	// TypeTrackHeader marks a legacy, pre-subgroup uni-stream that carries
	// every object of a track with no subgroup subdivision. Recognised for
	// the supplemented legacy dialect; never originated by this relay.
	TypeTrackHeader uint64 = 0x02
	// TypeSubgroupHeader marks a uni-stream carrying one subgroup's
	// objects, with an explicit subgroup ID in the header.
	TypeSubgroupHeader uint64 = 0x0d
)

// SubgroupHeader opens a unidirectional stream carrying one subgroup's
// objects.
type SubgroupHeader struct {
	SubscribeID       uint64
	TrackAlias        uint64
	GroupID           uint64
	SubgroupID        uint64
	PublisherPriority uint8
}

// SubgroupObject is one object as framed within a subgroup stream: the
// object ID is carried as a delta from the subgroup's running object ID,
// not restated in full.
type SubgroupObject struct {
	ObjectIDDelta uint64
	Extensions    []control.ExtensionHeader
	Payload       []byte
}

// DatagramObject is a complete object framed as a single datagram. Unlike
// a subgroup object it restates every identifying field, since a datagram
// carries no shared header.
type DatagramObject struct {
	TrackAlias        uint64
	GroupID           uint64
	ObjectID          uint64
	PublisherPriority uint8
	Extensions        []control.ExtensionHeader
	Payload           []byte
}
