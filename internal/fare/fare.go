package fare

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// rate is the per-vehicle-type tariff. Amounts are in the platform
// currency; the fare-table admin surface that edits these lives outside
// the core.
type rate struct {
	base  float64
	perKm float64
}

var defaultRates = map[models.VehicleType]rate{
	models.VehicleBike:  {base: 1.0, perKm: 0.6},
	models.VehicleSedan: {base: 2.5, perKm: 1.2},
	models.VehicleSUV:   {base: 3.5, perKm: 1.6},
	models.VehicleVan:   {base: 4.0, perKm: 1.9},
}

// nightMultiplier applies between 22:00 and 06:00 booking time.
const nightMultiplier = 1.25

// Engine computes fares from the tariff table and the route distance.
// With a Router configured it asks for the driven distance, otherwise it
// falls back to great-circle distance.
type Engine struct {
	Router Router
}

// Router returns route distance in meters between two points.
type Router interface {
	DistanceMeters(from, to models.Coord) (float64, error)
}

func NewEngine(router Router) *Engine {
	return &Engine{Router: router}
}

// Quote prices a trip. Shared rides split marginal cost: each approved
// passenger beyond the first adds 20% of the solo fare instead of a full
// fare.
func (e *Engine) Quote(v models.VehicleType, from, to models.Coord, passengers int, bookingAt time.Time) float64 {
	r, ok := defaultRates[v]
	if !ok {
		r = defaultRates[models.VehicleSedan]
	}
	meters := 0.0
	if e.Router != nil {
		if d, err := e.Router.DistanceMeters(from, to); err == nil {
			meters = d
		}
	}
	if meters == 0 {
		meters = Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	}
	amount := r.base + r.perKm*meters/1000.0
	if isNight(bookingAt) {
		amount *= nightMultiplier
	}
	if passengers > 1 {
		amount *= 1 + 0.2*float64(passengers-1)
	}
	return math.Round(amount*100) / 100
}

func isNight(t time.Time) bool {
	h := t.Hour()
	return h >= 22 || h < 6
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
