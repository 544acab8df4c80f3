// Package geo provides the coordinate and distance math used by the
// gateway: the JT808 degrees/minutes/seconds packing and great-circle
// distance between reported positions.
package geo

import "math"

// earthRadiusMeters is the mean Earth radius used for great-circle
// distance.
const earthRadiusMeters = 6371000.0

// DMSToDecimal converts the JT808 packed coordinate form
// (degrees*10^6 + minutes*10^4 + seconds*10^2) to decimal degrees.
// The value is unsigned; hemisphere sign is carried in status bits.
func DMSToDecimal(v uint32) float64 {
	degrees := v / 1_000_000
	minutes := (v % 1_000_000) / 10_000
	seconds := float64(v%10_000) / 100.0
	return float64(degrees) + float64(minutes)/60.0 + seconds/3600.0
}

// DecimalToDMS converts decimal degrees to the JT808 packed form.
// The input must be non-negative; callers encode hemisphere in status
// bits before taking the absolute value.
func DecimalToDMS(d float64) uint32 {
	degrees := uint32(d)
	rem := (d - float64(degrees)) * 60.0
	minutes := uint32(rem)
	seconds := (rem - float64(minutes)) * 60.0
	return degrees*1_000_000 + minutes*10_000 + uint32(math.Round(seconds*100))
}

// Haversine returns the great-circle distance in meters between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180.0

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
