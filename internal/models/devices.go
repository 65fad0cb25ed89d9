package models

import "time"

type DeviceRecord struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Trusted     bool      `json:"trusted"`
}
