package protocol

import (
	"encoding"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

type InstanceStatsMessage struct {
	InstanceId string              `json:"instance_id"`
	Queues     []QueueStatsMessage `json:"queues"`
}

func InstanceStatsMessageFromNATS(msg *nats.Msg) (InstanceStatsMessage, error) {
	var m InstanceStatsMessage
	err := m.UnmarshalBinary(msg.Data)
	return m, err
}

func (i *InstanceStatsMessage) MarshalBinary() ([]byte, error) {
	return json.Marshal(i)
}

func (i *InstanceStatsMessage) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, i); err != nil {
		return errors.Wrap(err, "protocol: decoding instance stats")
	}
	return nil
}

type QueueStatsMessage struct {
	StoreName string `json:"store_name"`
	QueueName string `json:"queue_name"`
	Pending   int64  `json:"pending"`

	// OldestAge is how long the oldest pending entry has been waiting.
	OldestAge time.Duration `json:"oldest_age_ns"`

	MaxAge time.Duration `json:"max_age_ns,omitempty"`
}

var (
	_ encoding.BinaryMarshaler   = (*InstanceStatsMessage)(nil)
	_ encoding.BinaryUnmarshaler = (*InstanceStatsMessage)(nil)
)
