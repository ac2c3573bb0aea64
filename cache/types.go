package cache

import (
	"time"

	"github.com/zsiec/moqrelay/control"
)

// Object is one cached media object: the payload plus the fields a
// fan-out reader needs to re-frame it for a downstream subscriber.
type Object struct {
	GroupID    uint64
	ObjectID   uint64
	SubgroupID uint64
	Priority   uint8
	Extensions []control.ExtensionHeader
	Payload    []byte
}

// group is one self-contained, independently-joinable sequence of
// objects within a track (spec.md glossary, "Group").
type group struct {
	id         uint64
	arrivalSeq uint64
	createdAt  time.Time
	lifetime   time.Duration
	// objects is kept sorted ascending by ObjectID; within-group delivery
	// tie-break is always ascending object_id regardless of group_order.
	objects []Object
}

func (g *group) insert(obj Object) {
	i := 0
	for i < len(g.objects) && g.objects[i].ObjectID < obj.ObjectID {
		i++
	}
	if i < len(g.objects) && g.objects[i].ObjectID == obj.ObjectID {
		g.objects[i] = obj
		return
	}
	g.objects = append(g.objects, Object{})
	copy(g.objects[i+1:], g.objects[i:])
	g.objects[i] = obj
}
