package main

import (
	"github.com/go-playground/validator/v10"
)

// LocationReport is one entity's latest known position. The same shape is
// accepted on ingest (without Timestamp) and pushed to subscribers and disk
// (with Timestamp, server-assigned unix milliseconds).
type LocationReport struct {
	UUID      string  `json:"uuid" validate:"required"`
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Rotation  float64 `json:"rotation"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

var validate = validator.New()

// validateReport checks an ingest payload. Upstream persisted any floats;
// rejecting out-of-range coordinates keeps garbage out of the snapshots.
func validateReport(r *LocationReport) error {
	return validate.Struct(r)
}
