package relay

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/zsiec/moqrelay/cache"
	"github.com/zsiec/moqrelay/control"
	"github.com/zsiec/moqrelay/datastream"
	"github.com/zsiec/moqrelay/transport"
)

// ingestUniStreams accepts every unidirectional stream a peer opens on
// conn and demuxes its subgroup objects into the cache track its header's
// track_alias names. track_alias values are assigned by this relay
// itself (Manager.OpenUpstreamSubscription's monotonic counter) and are
// therefore globally unique across every upstream session, so a single
// Cache lookup is enough — no per-session alias scoping is needed.
func (s *Server) ingestUniStreams(ctx context.Context, conn transport.Connection) error {
	for {
		stream, err := conn.AcceptUniStream(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		go s.ingestSubgroupStream(stream)
	}
}

func (s *Server) ingestSubgroupStream(stream transport.ReceiveStream) {
	r := datastream.NewReader(stream)

	typ, err := r.ReadType()
	if err != nil {
		s.log.Debug().Err(err).Msg("ingest: read stream type")
		return
	}
	if typ != datastream.TypeSubgroupHeader {
		s.log.Debug().Uint64("type", typ).Msg("ingest: unsupported data-stream type")
		return
	}

	header, err := r.ReadSubgroupHeader()
	if err != nil {
		s.log.Debug().Err(err).Msg("ingest: read subgroup header")
		return
	}

	track, ok := s.cache.Get(header.TrackAlias)
	if !ok {
		s.log.Debug().Uint64("track_alias", header.TrackAlias).Msg("ingest: unknown track_alias")
		return
	}
	if err := track.RecordHeader(control.ForwardingSubgroup); err != nil {
		s.log.Debug().Err(err).Uint64("track_alias", header.TrackAlias).Msg("ingest: forwarding preference conflict")
		return
	}

	lastObjectID := uint64(0)
	haveLast := false
	for {
		obj, err := r.ReadObject()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("ingest: read subgroup object")
			}
			return
		}

		objectID := obj.ObjectIDDelta
		if haveLast {
			objectID = lastObjectID + obj.ObjectIDDelta
		}
		lastObjectID, haveLast = objectID, true

		track.RecordObject(cache.Object{
			GroupID:    header.GroupID,
			ObjectID:   objectID,
			SubgroupID: header.SubgroupID,
			Priority:   header.PublisherPriority,
			Extensions: obj.Extensions,
			Payload:    obj.Payload,
		}, s.cfg.ObjectLifetime)
	}
}

// ingestDatagrams receives every datagram on conn, each one a complete
// object, and demuxes it into its track by the same global track_alias
// scheme ingestUniStreams uses.
func (s *Server) ingestDatagrams(ctx context.Context, conn transport.Connection) error {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		obj, err := datastream.DecodeDatagram(data)
		if err != nil {
			s.log.Debug().Err(err).Msg("ingest: decode datagram")
			continue
		}

		track, ok := s.cache.Get(obj.TrackAlias)
		if !ok {
			s.log.Debug().Uint64("track_alias", obj.TrackAlias).Msg("ingest: unknown track_alias")
			continue
		}
		if err := track.RecordHeader(control.ForwardingDatagram); err != nil {
			s.log.Debug().Err(err).Uint64("track_alias", obj.TrackAlias).Msg("ingest: forwarding preference conflict")
			continue
		}

		track.RecordObject(cache.Object{
			GroupID:    obj.GroupID,
			ObjectID:   obj.ObjectID,
			Priority:   obj.PublisherPriority,
			Extensions: obj.Extensions,
			Payload:    obj.Payload,
		}, s.cfg.ObjectLifetime)
	}
}
