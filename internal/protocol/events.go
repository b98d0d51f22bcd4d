package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType tags a message published on the event topics.
type EventType string

const (
	EventTypeSample  EventType = "sample_recorded"
	EventTypeReroute EventType = "reroute_detected"
)

// SampleEvent is published for every sample the poll executor stores.
type SampleEvent struct {
	Type            EventType `json:"type"`
	RouteID         uuid.UUID `json:"route_id"`
	SessionID       uuid.UUID `json:"session_id"`
	SampleID        int64     `json:"sample_id"`
	Provider        string    `json:"provider"`
	SampledAt       time.Time `json:"sampled_at"`
	DurationSeconds int       `json:"duration_seconds"`
	DistanceMeters  int       `json:"distance_meters"`
	IsReroute       bool      `json:"is_reroute"`
}

// RerouteEvent is published when a sample is flagged as a probable detour.
type RerouteEvent struct {
	Type               EventType `json:"type"`
	RouteID            uuid.UUID `json:"route_id"`
	UserID             uuid.UUID `json:"user_id"`
	SessionID          uuid.UUID `json:"session_id"`
	SampleID           int64     `json:"sample_id"`
	RouteName          string    `json:"route_name"`
	OriginAddress      string    `json:"origin_address"`
	DestinationAddress string    `json:"destination_address"`
	DetectedAt         time.Time `json:"detected_at"`
	DistanceMeters     int       `json:"distance_meters"`
	PreviousMeters     int       `json:"previous_meters"`
	MedianMeters       float64   `json:"median_meters"`
	ThresholdMeters    float64   `json:"threshold_meters"`
}

// EncodeSampleEvent encodes a SampleEvent to JSON
func EncodeSampleEvent(event *SampleEvent) ([]byte, error) {
	event.Type = EventTypeSample
	return json.Marshal(event)
}

// DecodeSampleEvent decodes JSON to SampleEvent
func DecodeSampleEvent(data []byte) (*SampleEvent, error) {
	var event SampleEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// EncodeRerouteEvent encodes a RerouteEvent to JSON
func EncodeRerouteEvent(event *RerouteEvent) ([]byte, error) {
	event.Type = EventTypeReroute
	return json.Marshal(event)
}

// DecodeRerouteEvent decodes JSON to RerouteEvent
func DecodeRerouteEvent(data []byte) (*RerouteEvent, error) {
	var event RerouteEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
