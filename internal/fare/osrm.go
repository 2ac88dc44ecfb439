package fare

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// OSRMRouter resolves driven distance against an OSRM HTTP server.
type OSRMRouter struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMRouter(endpoint string) *OSRMRouter {
	return &OSRMRouter{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// DistanceMeters queries OSRM /route between points and returns the
// route distance in meters.
func (o *OSRMRouter) DistanceMeters(from, to models.Coord) (float64, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=false", o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	resp, err := o.Client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("osrm no route: %v", out.Code)
	}
	return out.Routes[0].Distance, nil
}
