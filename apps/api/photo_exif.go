package main

import (
	"bytes"
	"math"

	"github.com/rwcarlsen/goexif/exif"
)

// coordinatesFromPhoto reads the GPS position embedded in a photo's EXIF
// block. Photos without usable GPS data report ok=false.
func coordinatesFromPhoto(data []byte) (lat, lng float64, ok bool) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}

	lat, lng, err = x.LatLong()
	if err != nil {
		return 0, 0, false
	}
	if math.IsNaN(lat) || math.IsNaN(lng) || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, false
	}
	// Cameras without a fix often write 0,0.
	if lat == 0 && lng == 0 {
		return 0, 0, false
	}
	return lat, lng, true
}
