package queue

import (
	"bytes"
	"strings"

	"github.com/nickpoorman/http-requeue/internal/key"
	"github.com/pkg/errors"
)

// All queue records are stored under the _q namespace of a store.
// Queues each have their own name under the _m and _s buckets, e.g., _q._s.high.
// Buckets are used to group properties. Every pending request is written to the
// _m bucket and all state properties are written to the _s bucket.
//
// Some examples:
// _q._m.high.<16 byte key>
// _q._s.high.config
// _q._s.low.config

const (
	sep             = "."
	QueuesNamespace = "_q"
	MessagesBucket  = "_m"
	StateBucket     = "_s"
	ConfigProperty  = "config"
)

var ErrInvalidQueueKey = errors.New("queue: invalid queue key")

type QueueKey struct {
	Namespace string
	Bucket    string
	Name      string

	Property string
	Key      key.Key
}

func NewQueueKeyForMessage(queue string, k key.Key) QueueKey {
	return QueueKey{
		Namespace: QueuesNamespace,
		Bucket:    MessagesBucket,
		Name:      queue,
		Key:       k,
	}
}

func NewQueueKeyForState(queue, property string) QueueKey {
	return QueueKey{
		Namespace: QueuesNamespace,
		Bucket:    StateBucket,
		Name:      queue,
		Property:  property,
	}
}

// ParseQueueKey splits a raw store key back into its parts. Message keys end
// in a fixed size key so the queue name may itself contain dots; state keys
// end in a property without dots.
func ParseQueueKey(k []byte) (QueueKey, error) {
	head := QueuesNamespace + sep
	if !bytes.HasPrefix(k, []byte(head)) || len(k) < len(head)+len(MessagesBucket)+len(sep) {
		return QueueKey{}, errors.Wrapf(ErrInvalidQueueKey, "%q", k)
	}
	rest := k[len(head):]
	bucket := string(rest[:len(MessagesBucket)])
	if rest[len(MessagesBucket)] != sep[0] {
		return QueueKey{}, errors.Wrapf(ErrInvalidQueueKey, "%q", k)
	}
	rest = rest[len(MessagesBucket)+len(sep):]

	switch bucket {
	case MessagesBucket:
		// name + "." + key
		if len(rest) < 1+len(sep)+key.Size || rest[len(rest)-key.Size-1] != sep[0] {
			return QueueKey{}, errors.Wrapf(ErrInvalidQueueKey, "message key %q", k)
		}
		id, err := key.FromBytes(rest[len(rest)-key.Size:])
		if err != nil {
			return QueueKey{}, err
		}
		return QueueKey{
			Namespace: QueuesNamespace,
			Bucket:    MessagesBucket,
			Name:      string(rest[:len(rest)-key.Size-1]),
			Key:       id,
		}, nil
	case StateBucket:
		i := bytes.LastIndexByte(rest, sep[0])
		if i <= 0 || i == len(rest)-1 {
			return QueueKey{}, errors.Wrapf(ErrInvalidQueueKey, "state key %q", k)
		}
		return QueueKey{
			Namespace: QueuesNamespace,
			Bucket:    StateBucket,
			Name:      string(rest[:i]),
			Property:  string(rest[i+1:]),
		}, nil
	default:
		return QueueKey{}, errors.Wrapf(ErrInvalidQueueKey, "unknown bucket %q", bucket)
	}
}

func (q QueueKey) IsKey() bool {
	return q.Key != nil
}

func (q QueueKey) Bytes() []byte {
	var p []byte
	if q.IsKey() {
		p = q.Key.Bytes()
	} else {
		p = []byte(q.Property)
	}
	prefix := q.NamePrefix()
	qk := make([]byte, len(prefix)+len(p))
	off := copy(qk, prefix)
	copy(qk[off:], p)
	return qk
}

func (q QueueKey) BucketPrefix() string {
	return q.Namespace + sep + q.Bucket + sep
}

func (q QueueKey) NamePath() string {
	return q.BucketPrefix() + q.Name
}

func (q QueueKey) NamePrefix() string {
	return q.NamePath() + sep
}

func (q QueueKey) PropertyPath() string {
	return q.NamePrefix() + q.PropertyString()
}

func (q QueueKey) PropertyString() string {
	if q.IsKey() {
		return q.Key.String()
	}
	return q.Property
}

func (q QueueKey) String() string {
	return q.PropertyPath()
}

// MessagesPrefix is the store prefix shared by every message of queue. Note
// it is also a prefix of queues named queue + "." + anything.
func MessagesPrefix(queue string) []byte {
	return []byte(NewQueueKeyForMessage(queue, nil).NamePrefix())
}

// StatesPrefix is the store prefix of every queue state record.
func StatesPrefix() []byte {
	return []byte(QueueKey{Namespace: QueuesNamespace, Bucket: StateBucket}.BucketPrefix())
}

// ValidateName reports whether name can be used as a queue name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("queue name cannot be empty")
	}
	if strings.ContainsAny(name, "\x00\n") {
		return errors.Errorf("queue name %q contains control characters", name)
	}
	return nil
}
