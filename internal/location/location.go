// Package location turns a device position feed into debounced sample streams
// and keeps the most recent fix for the alert lifecycle.
package location

import (
	"context"
	"errors"
	"math"

	"sosguard/go-sos-server/internal/model"
)

var (
	// ErrPermissionDenied means the user refused location access.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrNoFix means permission is granted but no sample has arrived yet.
	ErrNoFix = errors.New("no location fix yet")
)

// Permission is the device's answer to a location permission request.
type Permission string

const (
	PermissionUndetermined Permission = "undetermined"
	PermissionGranted      Permission = "granted"
	PermissionDenied       Permission = "denied"
)

// Source is the platform geolocation boundary.
type Source interface {
	RequestPermission(ctx context.Context) (Permission, error)
	Current(ctx context.Context) (model.LocationSample, error)
	// Watch streams raw samples until ctx is done, then closes the channel.
	Watch(ctx context.Context) (<-chan model.LocationSample, error)
}

const earthRadiusM = 6371000.0

// Distance returns the great-circle distance between two samples in meters.
func Distance(a, b model.LocationSample) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lon)
}
