// Package messages defines the task and result messages exchanged by workers.
// Both types use the protobuf wire format so producers written against the
// generated TaskMessage/ResultMessage schemas interoperate with this package.
package messages

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/fengb3/streambus/internal/runtime/envelope"
	idspkg "github.com/fengb3/streambus/internal/runtime/ids"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var now = time.Now

// TaskMessage asks a worker to run one unit of work.
type TaskMessage struct {
	TaskID    string
	TaskType  string
	Data      string
	Timestamp int64 // unix milliseconds
}

// NewTaskMessage stamps a new task with a fresh id and the current time.
func NewTaskMessage(taskType, data string) TaskMessage {
	return TaskMessage{
		TaskID:    idspkg.NewTaskID(),
		TaskType:  taskType,
		Data:      data,
		Timestamp: now().UnixMilli(),
	}
}

func (TaskMessage) TypeName() string { return "TaskMessage" }

// Time returns Timestamp as a time.Time.
func (m TaskMessage) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func (m TaskMessage) MarshalBinary() ([]byte, error) {
	var e encoder
	e.appendString(1, m.TaskID)
	e.appendString(2, m.TaskType)
	e.appendString(3, m.Data)
	e.appendInt64(4, m.Timestamp)
	if e.err != nil {
		return nil, fmt.Errorf("TaskMessage: %w", e.err)
	}
	return e.b, nil
}

func (m *TaskMessage) UnmarshalBinary(data []byte) error {
	var out TaskMessage
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &out.TaskID)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &out.TaskType)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &out.Data)
		case num == 4 && typ == protowire.VarintType:
			return consumeInt64(b, &out.Timestamp)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("TaskMessage: %w", err)
	}
	*m = out
	return nil
}

// ResultMessage reports the outcome of a TaskMessage.
type ResultMessage struct {
	TaskID    string
	Status    string
	Result    string
	Timestamp int64 // unix milliseconds
}

// NewResultMessage builds a result for taskID stamped with the current time.
func NewResultMessage(taskID, status, result string) ResultMessage {
	return ResultMessage{
		TaskID:    taskID,
		Status:    status,
		Result:    result,
		Timestamp: now().UnixMilli(),
	}
}

func (ResultMessage) TypeName() string { return "ResultMessage" }

// Time returns Timestamp as a time.Time.
func (m ResultMessage) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func (m ResultMessage) MarshalBinary() ([]byte, error) {
	var e encoder
	e.appendString(1, m.TaskID)
	e.appendString(2, m.Status)
	e.appendString(3, m.Result)
	e.appendInt64(4, m.Timestamp)
	if e.err != nil {
		return nil, fmt.Errorf("ResultMessage: %w", e.err)
	}
	return e.b, nil
}

func (m *ResultMessage) UnmarshalBinary(data []byte) error {
	var out ResultMessage
	err := consumeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &out.TaskID)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &out.Status)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &out.Result)
		case num == 4 && typ == protowire.VarintType:
			return consumeInt64(b, &out.Timestamp)
		}
		return -1, nil
	})
	if err != nil {
		return fmt.Errorf("ResultMessage: %w", err)
	}
	*m = out
	return nil
}

// Codecs for the stream of each message type. Streams are keyed by the bare
// type name ("TaskMessage", "ResultMessage").
var (
	TaskCodec   envelope.Codec[TaskMessage]   = envelope.BinaryCodec[TaskMessage, *TaskMessage]{}
	ResultCodec envelope.Codec[ResultMessage] = envelope.BinaryCodec[ResultMessage, *ResultMessage]{}
)

// NewTaskCodec returns a TaskMessage codec on streamKey, for peers that key
// streams by a qualified type name such as "Microservices.TaskMessage".
// An empty streamKey keeps the bare type name.
func NewTaskCodec(streamKey string) envelope.Codec[TaskMessage] {
	return envelope.BinaryCodec[TaskMessage, *TaskMessage]{Key: streamKey}
}

// NewResultCodec is NewTaskCodec for ResultMessage.
func NewResultCodec(streamKey string) envelope.Codec[ResultMessage] {
	return envelope.BinaryCodec[ResultMessage, *ResultMessage]{Key: streamKey}
}
