package model

import "time"

// Device represents a fermentation controller identified by its human-assigned code.
type Device struct {
	ID         int64      `gorm:"primaryKey" json:"id"`
	DeviceCode string     `gorm:"uniqueIndex;size:64;not null" json:"device_code"`
	Name       string     `gorm:"size:128;not null" json:"name"`
	OwnerID    *int64     `gorm:"index" json:"owner_id"` // nil until claimed
	IsOnline   bool       `gorm:"not null" json:"is_online"`
	LastSeen   *time.Time `gorm:"index" json:"last_seen"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

// DeviceSettings holds per-device control preferences. One row per device.
type DeviceSettings struct {
	DeviceID            int64     `gorm:"primaryKey;autoIncrement:false" json:"device_id"`
	TargetPH            float64   `gorm:"not null" json:"target_ph"`
	AutoDrainPreference bool      `gorm:"not null" json:"auto_drain_preference"`
	UpdatedAt           time.Time `gorm:"not null" json:"updated_at"`
}
