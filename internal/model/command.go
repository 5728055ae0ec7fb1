package model

import "time"

// CommandKind names a device-bound control action.
type CommandKind string

const (
	CommandDrainOpen  CommandKind = "DRAIN_OPEN"
	CommandDrainClose CommandKind = "DRAIN_CLOSE"
	CommandSetMode    CommandKind = "SET_MODE"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandDrainOpen, CommandDrainClose, CommandSetMode:
		return true
	}
	return false
}

// CommandStatus tracks delivery of a command by the publisher.
type CommandStatus string

const (
	CommandStatusQueued    CommandStatus = "queued"
	CommandStatusDelivered CommandStatus = "delivered"
	CommandStatusFailed    CommandStatus = "failed"
)

// DeviceCommand records the intent to send a command to a device.
type DeviceCommand struct {
	ID        int64         `gorm:"primaryKey" json:"id"`
	DeviceID  int64         `gorm:"not null;index" json:"device_id"`
	RunID     *int64        `gorm:"index" json:"run_id"`
	Kind      CommandKind   `gorm:"size:32;not null" json:"kind"`
	Payload   string        `gorm:"type:text;not null" json:"payload"`
	Status    CommandStatus `gorm:"size:16;not null;index" json:"status"`
	Attempts  int           `gorm:"not null" json:"attempts"`
	LastError string        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time     `gorm:"not null" json:"updated_at"`
}
