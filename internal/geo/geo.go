package geo

import (
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// Index is the driver-location view used by the nearby-drivers query.
// It is presentation state only: offer fan-out goes through the presence
// registry, not through here.
type Index interface {
	Nearby(lat, lon float64, limit int) []models.Driver
	Upsert(d models.Driver)
}

// MemoryIndex is a naive in-memory scan, fine for local runs and tests.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Driver
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Driver)}
}

func (g *MemoryIndex) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *MemoryIndex) Nearby(lat, lon float64, limit int) []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.OnDuty {
			continue
		}
		dist := fare.Haversine(lat, lon, d.Loc.Lat, d.Loc.Lon)
		arr = append(arr, pair{d, dist})
	}
	// partial selection sort for top-N
	n := limit
	if n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.Driver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out
}
