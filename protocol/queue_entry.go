package protocol

import (
	"encoding"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/nickpoorman/http-requeue/flatbuf"
	"github.com/pkg/errors"
)

// QueueEntryVersion is the current encoding version of a QueueEntry.
const QueueEntryVersion uint16 = 1

// EntryConfig is opaque caller data stored next to a request and handed back
// to the replay callbacks. It is usually JSON.
type EntryConfig []byte

// QueueEntry is the stored form of a deferred request.
type QueueEntry struct {
	// ID is the raw entry key within its queue.
	ID []byte

	// CreatedAt is when the entry was pushed.
	CreatedAt time.Time

	Request CapturedRequest
	Config  EntryConfig
}

func (q *QueueEntry) Bytes() []byte {
	b := flatbuffers.NewBuilder(0)
	msg := q.toFlatbuf(b)
	b.Finish(msg)
	return b.FinishedBytes()
}

func (q *QueueEntry) MarshalBinary() ([]byte, error) {
	return q.Bytes(), nil
}

func (q *QueueEntry) UnmarshalBinary(data []byte) (err error) {
	defer recoverMalformed(&err)
	if len(data) < flatbuffers.SizeUOffsetT {
		return errors.Wrap(ErrMalformed, "queue entry too short")
	}
	return q.fromFlatbuf(flatbuf.GetRootAsQueueEntry(data, 0))
}

func (q *QueueEntry) toFlatbuf(b *flatbuffers.Builder) flatbuffers.UOffsetT {
	request := q.Request.toFlatbuf(b)
	id := b.CreateByteVector(q.ID)
	config := b.CreateByteVector(q.Config)

	flatbuf.QueueEntryStart(b)
	flatbuf.QueueEntryAddVersion(b, QueueEntryVersion)
	flatbuf.QueueEntryAddId(b, id)
	flatbuf.QueueEntryAddCreatedAt(b, q.CreatedAt.UnixNano())
	flatbuf.QueueEntryAddRequest(b, request)
	flatbuf.QueueEntryAddConfig(b, config)
	return flatbuf.QueueEntryEnd(b)
}

func (q *QueueEntry) fromFlatbuf(m *flatbuf.QueueEntry) error {
	if v := m.Version(); v > QueueEntryVersion {
		return errors.Wrapf(ErrUnsupportedVersion, "queue entry version %d", v)
	}
	q.ID = append([]byte(nil), m.IdBytes()...)
	q.CreatedAt = time.Unix(0, m.CreatedAt())

	req := m.Request(nil)
	if req == nil {
		return errors.Wrap(ErrMalformed, "queue entry without request")
	}
	if err := q.Request.fromFlatbuf(req); err != nil {
		return err
	}

	q.Config = nil
	if cfg := m.ConfigBytes(); len(cfg) > 0 {
		q.Config = append(EntryConfig(nil), cfg...)
	}
	return nil
}

var (
	_ encoding.BinaryMarshaler   = (*QueueEntry)(nil)
	_ encoding.BinaryUnmarshaler = (*QueueEntry)(nil)
)
