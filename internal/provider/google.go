package provider

import (
	"context"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"
)

const GoogleName = "google"

// GoogleGateway uses the Google Maps Distance Matrix and Geocoding APIs.
type GoogleGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGoogleGateway creates a gateway against baseURL, normally
// https://maps.googleapis.com.
func NewGoogleGateway(baseURL, apiKey string, timeout time.Duration) *GoogleGateway {
	return &GoogleGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  newHTTPClient(timeout),
	}
}

func (g *GoogleGateway) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("key", g.apiKey)

	body, err := fetch(ctx, g.client, GoogleName, g.baseURL+"/maps/api/geocode/json?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	switch status := doc.Get("status").String(); status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, nil
	default:
		return nil, xerrors.Errorf("google geocode: status %q: %s", status, doc.Get("error_message").String())
	}

	loc := doc.Get("results.0.geometry.location")
	if !loc.Get("lat").Exists() || !loc.Get("lng").Exists() {
		return nil, nil
	}
	return &Coordinates{Lat: loc.Get("lat").Float(), Lon: loc.Get("lng").Float()}, nil
}

func (g *GoogleGateway) GetTravelTime(ctx context.Context, origin, destination Coordinates) (*TravelTime, error) {
	q := url.Values{}
	q.Set("origins", origin.String())
	q.Set("destinations", destination.String())
	q.Set("departure_time", "now")
	q.Set("key", g.apiKey)

	body, err := fetch(ctx, g.client, GoogleName, g.baseURL+"/maps/api/distancematrix/json?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	if status := doc.Get("status").String(); status != "OK" {
		return nil, xerrors.Errorf("google distance matrix: status %q: %s", status, doc.Get("error_message").String())
	}

	element := doc.Get("rows.0.elements.0")
	if element.Get("status").String() != "OK" {
		// NOT_FOUND or ZERO_RESULTS for this pair.
		return nil, nil
	}

	duration := element.Get("duration_in_traffic.value")
	if !duration.Exists() {
		duration = element.Get("duration.value")
	}
	distance := element.Get("distance.value")
	if !duration.Exists() || !distance.Exists() {
		return nil, nil
	}

	return &TravelTime{
		DurationSeconds: int(math.Round(duration.Float())),
		DistanceMeters:  int(math.Round(distance.Float())),
		RawPayload:      body,
	}, nil
}
