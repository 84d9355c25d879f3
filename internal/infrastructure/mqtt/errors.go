package mqtt

import "errors"

// Sentinel errors; operations wrap them with detail, so match with errors.Is.
var (
	ErrNotConnected     = errors.New("mqtt: client not connected")
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS rejects levels outside 0..2.
	ErrInvalidQoS   = errors.New("mqtt: invalid QoS level")
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
