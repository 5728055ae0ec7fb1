package model

import "time"

// RunStatus is the lifecycle state of a fermentation run. Idle is the absence of a running row.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusDone    RunStatus = "done"
)

// RunMode selects whether the control policy acts on the run.
type RunMode string

const (
	RunModeAuto   RunMode = "auto"
	RunModeManual RunMode = "manual"
)

// Valid reports whether m is a known mode.
func (m RunMode) Valid() bool {
	return m == RunModeAuto || m == RunModeManual
}

// FermentationRun is one batch on a device, bounded by explicit start and stop.
type FermentationRun struct {
	ID             int64      `gorm:"primaryKey" json:"id"`
	DeviceID       int64      `gorm:"not null;index" json:"device_id"`
	Status         RunStatus  `gorm:"size:16;not null" json:"status"`
	Mode           RunMode    `gorm:"size:16;not null" json:"mode"`
	TargetPH       float64    `gorm:"column:target_ph;not null" json:"target_ph"` // frozen at start; 0 means use the settings target
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	EndedAt        *time.Time `json:"ended_at"`
	LeakDetected   bool       `gorm:"not null" json:"leak_detected"`
	DrainTriggered bool       `gorm:"not null" json:"drain_triggered"`
}
