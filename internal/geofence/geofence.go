// Package geofence classifies coordinates against the Suyang-dong service area.
// The result is advisory: nothing in the system rejects a point for being outside.
package geofence

type Zone string

const (
	Inside  Zone = "inside"
	Outside Zone = "outside"
)

// Bounds is an inclusive latitude/longitude rectangle.
type Bounds struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// Point is a latitude/longitude pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

var ServiceArea = Bounds{
	MinLat: 34.870,
	MaxLat: 34.900,
	MinLng: 128.610,
	MaxLng: 128.650,
}

// Center is substituted for reporters without a location fix.
var Center = Point{Lat: 34.885, Lng: 128.625}

func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Classify reports whether (lat, lng) falls inside the service area.
func Classify(lat, lng float64) Zone {
	if ServiceArea.Contains(lat, lng) {
		return Inside
	}
	return Outside
}
