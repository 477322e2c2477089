package protocol

import "github.com/silentspeaker/silentspeaker/internal/scheduler"

// Priority is the wire-level message priority; it shares its numbering
// with the scheduler's dispatch priority so a Whisper's priority byte
// can be handed straight to Manager.AllocateStreamForNormalMessage.
type Priority = scheduler.Priority

const (
	PriorityLow    = scheduler.Low
	PriorityNormal = scheduler.Normal
	PriorityHigh   = scheduler.High
	PriorityUrgent = scheduler.Urgent
)
