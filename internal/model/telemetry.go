package model

import "time"

// Telemetry is an immutable sensor reading. Rows are only ever inserted.
type Telemetry struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	DeviceID   int64     `gorm:"not null;index:idx_telemetry_device_created,priority:1" json:"device_id"`
	RunID      *int64    `gorm:"index" json:"run_id"`
	PH         float64   `gorm:"column:ph;not null" json:"ph"`
	TempC      float64   `gorm:"not null" json:"temp_c"`
	WaterLevel float64   `gorm:"not null" json:"water_level"`
	CreatedAt  time.Time `gorm:"not null;index:idx_telemetry_device_created,priority:2" json:"created_at"`
}

// TableName keeps the table name singular; telemetry is a mass noun.
func (Telemetry) TableName() string {
	return "telemetry"
}
