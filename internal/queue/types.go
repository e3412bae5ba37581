package queue

import (
	"database/sql"
	"time"

	"github.com/sysmanage/core/internal/protocol"
)

// Direction is the flow of a queued message relative to the core.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// Status is the queue entry's position in the state machine. Valid
// transitions: PENDING -> IN_PROGRESS -> {COMPLETED, FAILED}, and
// {PENDING, IN_PROGRESS} -> EXPIRED. No other transition is permitted.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

// Priority orders dequeue within a (host_id, direction) pair. Higher
// ranks dequeue first.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// rank maps a Priority to its sort weight; higher dequeues first.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func priorityFromRank(r int64) Priority {
	switch r {
	case 3:
		return PriorityUrgent
	case 2:
		return PriorityHigh
	case 1:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Entry is a persisted queue row.
type Entry struct {
	MessageID    string
	HostID       sql.NullString
	Direction    Direction
	MessageType  protocol.MessageType
	MessageData  []byte
	Priority     Priority
	Status       Status
	CreatedAt    time.Time
	StartedAt    sql.NullTime
	CompletedAt  sql.NullTime
	ExpiredAt    sql.NullTime
	RetryCount   int
	MaxRetries   int
	ErrorMessage sql.NullString
}

// DeserializeMessageData unmarshals the entry's stored envelope bytes
// into a protocol.Message.
func (e *Entry) DeserializeMessageData() (*protocol.Message, error) {
	return protocol.ParseEnvelope(e.MessageData)
}
