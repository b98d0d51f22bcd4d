package provider

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"
)

const OSRMName = "osrm"

// OSRMGateway routes with an OSRM server and geocodes with Nominatim.
type OSRMGateway struct {
	routeURL   string
	geocodeURL string
	userAgent  string
	client     *http.Client
}

// NewOSRMGateway creates a gateway for an OSRM router and a Nominatim geocoder.
func NewOSRMGateway(routeURL, geocodeURL string, timeout time.Duration) *OSRMGateway {
	return &OSRMGateway{
		routeURL:   strings.TrimRight(routeURL, "/"),
		geocodeURL: strings.TrimRight(geocodeURL, "/"),
		userAgent:  "commute-monitor",
		client:     newHTTPClient(timeout),
	}
}

func (o *OSRMGateway) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")

	// Nominatim's usage policy requires an identifying User-Agent.
	header := http.Header{"User-Agent": []string{o.userAgent}}
	body, err := fetch(ctx, o.client, "nominatim", o.geocodeURL+"/search?"+q.Encode(), header)
	if err != nil {
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsArray() {
		return nil, xerrors.Errorf("nominatim: unexpected payload")
	}
	first := doc.Get("0")
	if !first.Exists() {
		return nil, nil
	}
	// Nominatim encodes coordinates as strings.
	lat, lon := first.Get("lat"), first.Get("lon")
	if !lat.Exists() || !lon.Exists() {
		return nil, nil
	}
	return &Coordinates{Lat: lat.Float(), Lon: lon.Float()}, nil
}

func (o *OSRMGateway) GetTravelTime(ctx context.Context, origin, destination Coordinates) (*TravelTime, error) {
	// OSRM takes lon,lat pairs.
	path := fmt.Sprintf("/route/v1/driving/%f,%f;%f,%f?overview=false",
		origin.Lon, origin.Lat, destination.Lon, destination.Lat)

	body, err := fetch(ctx, o.client, OSRMName, o.routeURL+path, nil)
	if err != nil {
		var statusErr *StatusError
		// OSRM answers 400 with code NoRoute for unroutable pairs.
		if xerrors.As(err, &statusErr) && statusErr.StatusCode == http.StatusBadRequest {
			return nil, nil
		}
		return nil, err
	}

	doc := gjson.ParseBytes(body)
	switch code := doc.Get("code").String(); code {
	case "Ok":
	case "NoRoute", "NoSegment":
		return nil, nil
	default:
		return nil, xerrors.Errorf("osrm: code %q: %s", code, doc.Get("message").String())
	}

	route := doc.Get("routes.0")
	if !route.Exists() {
		return nil, nil
	}
	return &TravelTime{
		DurationSeconds: int(math.Round(route.Get("duration").Float())),
		DistanceMeters:  int(math.Round(route.Get("distance").Float())),
		RawPayload:      body,
	}, nil
}
