// Package policy decides, for a single reading of an active run, whether the drain
// valve should open and whether a leak is suspected. It is pure: callers load the
// inputs and apply the decision.
package policy

import (
	"time"

	"fermentation-monitor-backend/internal/model"
)

// Engine-level thresholds. They are not configurable per device.
const (
	// PHTolerance is how far above the target pH the drain still triggers.
	PHTolerance = 0.1

	// LeakWaterLevelCeiling: leak checks only run while the tank is below this level (%).
	LeakWaterLevelCeiling = 50.0

	// LeakDropThreshold is the water level drop (percentage points) that must be exceeded.
	LeakDropThreshold = 10.0

	// LeakWindow is the time within which the drop must happen.
	LeakWindow = 60 * time.Second

	// ReasonPHTargetReached tags drain commands issued by the pH trigger.
	ReasonPHTargetReached = "ph_target_reached"
)

// epsilon absorbs float rounding so that boundary readings compare as written.
const epsilon = 1e-9

// Input is everything one evaluation needs.
type Input struct {
	Run      model.FermentationRun
	Settings model.DeviceSettings
	Current  model.Telemetry
	// Previous is the reading immediately before Current for the same device, if any.
	Previous *model.Telemetry
}

// Decision is the outcome of one evaluation.
type Decision struct {
	TriggerDrain  bool
	TargetPH      float64
	LeakSuspected bool
	Drop          float64
	Elapsed       time.Duration
}

// Evaluate runs both checks against the input.
func Evaluate(in Input) Decision {
	var d Decision
	d.TriggerDrain, d.TargetPH = ShouldDrain(in.Run, in.Settings, in.Current.PH)
	if in.Run.Mode == model.RunModeAuto && in.Previous != nil {
		d.LeakSuspected, d.Drop, d.Elapsed = DetectLeak(*in.Previous, in.Current)
	}
	return d
}

// TargetFor returns the run's frozen target, falling back to the settings target when
// the run carries none.
func TargetFor(run model.FermentationRun, settings model.DeviceSettings) float64 {
	if run.TargetPH > 0 {
		return run.TargetPH
	}
	return settings.TargetPH
}

// ShouldDrain reports whether the reading crosses the auto-drain threshold
// (ph <= target + PHTolerance, inclusive) on an auto run whose drain is armed by the
// device preference and has not yet been triggered.
func ShouldDrain(run model.FermentationRun, settings model.DeviceSettings, ph float64) (bool, float64) {
	target := TargetFor(run, settings)
	if run.Mode != model.RunModeAuto || run.Status != model.RunStatusRunning {
		return false, target
	}
	if !settings.AutoDrainPreference || run.DrainTriggered {
		return false, target
	}
	return ph <= target+PHTolerance+epsilon, target
}

// DetectLeak compares two consecutive readings. A leak is suspected when the current
// level is below LeakWaterLevelCeiling and dropped by more than LeakDropThreshold
// within LeakWindow. Pairs with a non-positive elapsed time are discarded, which
// covers duplicates and out-of-order delivery.
func DetectLeak(previous, current model.Telemetry) (bool, float64, time.Duration) {
	drop := previous.WaterLevel - current.WaterLevel
	elapsed := current.CreatedAt.Sub(previous.CreatedAt)

	if current.WaterLevel >= LeakWaterLevelCeiling {
		return false, drop, elapsed
	}
	if elapsed <= 0 {
		return false, drop, elapsed
	}
	return drop > LeakDropThreshold+epsilon && elapsed < LeakWindow, drop, elapsed
}
