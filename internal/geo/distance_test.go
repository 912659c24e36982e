package geo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistanceMeters_ZeroDistance(t *testing.T) {
	p := Point{Latitude: -26.2041, Longitude: 28.0473}
	d, err := DistanceMeters(p, p)
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)
}

func TestDistanceMeters_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{
			name: "one degree of latitude",
			a:    Point{0, 0},
			b:    Point{1, 0},
			want: EarthRadiusMeters * math.Pi / 180,
			tol:  0.001,
		},
		{
			name: "johannesburg to pretoria",
			a:    Point{-26.2041, 28.0473},
			b:    Point{-25.7479, 28.2293},
			want: 53700,
			tol:  500,
		},
		{
			name: "antipodal points",
			a:    Point{0, 0},
			b:    Point{0, 180},
			want: math.Pi * EarthRadiusMeters,
			tol:  0.01,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := DistanceMeters(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, d, tt.tol)

			back, err := DistanceMeters(tt.b, tt.a)
			require.NoError(t, err)
			assert.InDelta(t, d, back, 1e-6, "distance must be symmetric")
		})
	}
}

func TestDistanceMeters_InvalidCoordinates(t *testing.T) {
	valid := Point{10, 10}
	bad := []Point{
		{math.NaN(), 0},
		{0, math.NaN()},
		{90.0001, 0},
		{-91, 0},
		{0, 180.5},
		{0, -181},
		{math.Inf(1), 0},
	}
	for _, p := range bad {
		_, err := DistanceMeters(valid, p)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "point %+v", p)
		_, err = DistanceMeters(p, valid)
		assert.ErrorIs(t, err, ErrInvalidCoordinate, "point %+v", p)
	}
}

func TestDistanceMeters_BoundaryLatLngAccepted(t *testing.T) {
	_, err := DistanceMeters(Point{90, 180}, Point{-90, -180})
	assert.NoError(t, err)
}

func TestIsWithinZone_FiftyMeterBoundary(t *testing.T) {
	center := Point{Latitude: -33.9249, Longitude: 18.4241}
	zone := Circle{Center: center, RadiusMeters: 50}

	inside := Offset(center, 49, 90)
	ok, d, err := IsWithinZone(inside, zone)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 49, d, 0.01)

	outside := Offset(center, 51, 90)
	ok, d, err = IsWithinZone(outside, zone)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 51, d, 0.01)
}

func TestOffset_RoundTripsDistance(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		origin := Point{
			Latitude:  r.Float64()*160 - 80,
			Longitude: r.Float64()*360 - 180,
		}
		dist := r.Float64() * 5000
		p := Offset(origin, dist, r.Float64()*360)
		require.NoError(t, p.Validate())

		got, err := DistanceMeters(origin, p)
		require.NoError(t, err)
		assert.InDelta(t, dist, got, 0.01)
	}
}

// Containment and the returned distance must always agree, for any radius.
func TestIsWithinZone_ContainmentMatchesDistance(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		center := Point{r.Float64()*170 - 85, r.Float64()*360 - 180}
		radius := 1 + r.Float64()*500
		p := Offset(center, r.Float64()*2*radius, r.Float64()*360)

		ok, d, err := IsWithinZone(p, Circle{Center: center, RadiusMeters: radius})
		require.NoError(t, err)
		assert.Equal(t, d <= radius, ok)
	}
}
