package broker

import "errors"

// Errors returned by the broker client. Use errors.Is to check for them.
var (
	ErrNotConnected     = errors.New("broker: client not connected")
	ErrConnectionFailed = errors.New("broker: connection failed")
	ErrPublishFailed    = errors.New("broker: publish failed")
	ErrSubscribeFailed  = errors.New("broker: subscribe failed")
	ErrInvalidQoS       = errors.New("broker: invalid QoS level (must be 0, 1, or 2)")
	ErrInvalidTopic     = errors.New("broker: topic cannot be empty")
)
