// Package provider talks to third-party travel-time and geocoding APIs.
// Gateways return (nil, nil) when the provider answers but has no result,
// and an error when the call itself failed.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/xerrors"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 4 << 20

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%f,%f", c.Lat, c.Lon)
}

// TravelTime is one provider answer for an origin/destination pair.
type TravelTime struct {
	DurationSeconds int
	DistanceMeters  int
	// RawPayload is the provider response body, kept as evidence.
	RawPayload []byte
}

// Gateway is the contract every travel-time provider implements.
type Gateway interface {
	Geocode(ctx context.Context, address string) (*Coordinates, error)
	GetTravelTime(ctx context.Context, origin, destination Coordinates) (*TravelTime, error)
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	Provider   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Provider, e.StatusCode)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// fetch performs a GET and returns the body of a 2xx response.
func fetch(ctx context.Context, client *http.Client, name, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Errorf("%s: build request: %w", name, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("%s: request: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Errorf("%s: read body: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Provider: name, StatusCode: resp.StatusCode}
	}
	return body, nil
}
