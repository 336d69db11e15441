package rank

import (
	"context"
	"sort"

	"github.com/example/campus-dispatch/internal/eta"
	"github.com/example/campus-dispatch/internal/geo"
	"github.com/example/campus-dispatch/internal/models"
)

// Provider produces the ordered candidate list for a booking request.
// The dispatcher consumes the list as-is and never re-ranks it.
type Provider interface {
	FindMatches(ctx context.Context, req models.RideRequest) ([]models.Proposal, error)
}

// GeoRanker scores geo-nearby online drivers by pickup ETA plus a rating
// penalty and returns them best-first.
type GeoRanker struct {
	Geo             geo.Index
	DefaultSpeedMps float64
	TopN            int
	ETAClient       eta.Client // optional OSRM client
	ETACache        *eta.Cache // optional ETA cache
}

func (g *GeoRanker) FindMatches(ctx context.Context, req models.RideRequest) ([]models.Proposal, error) {
	topN := g.TopN
	if topN <= 0 {
		topN = 10
	}
	cands := g.Geo.Nearby(req.Origin.Lat, req.Origin.Lon, topN)
	if len(cands) == 0 {
		return nil, nil
	}
	type scored struct {
		d      models.Driver
		etaSec float64
		cost   float64
	}
	scoredList := make([]scored, 0, len(cands))
	for _, d := range cands {
		if d.RideID == "" {
			// driver online but not offering seats; nothing to propose
			continue
		}
		etaSec := g.estimate(d.Loc, req.Origin)
		cost := etaSec + 30.0*(5.0-d.Rating) // cost = w1*eta + w2*(5 - rating)
		scoredList = append(scoredList, scored{d, etaSec, cost})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].cost < scoredList[j].cost })

	out := make([]models.Proposal, 0, len(scoredList))
	for i, s := range scoredList {
		out = append(out, models.Proposal{
			RideID:           s.d.RideID,
			DriverID:         s.d.ID,
			Score:            s.cost,
			FareCents:        req.FareCents,
			PickupETASeconds: s.etaSec,
			DriverRating:     s.d.Rating,
			Rank:             i + 1,
		})
	}
	return out, nil
}

func (g *GeoRanker) estimate(from, to models.Coord) float64 {
	if g.ETACache != nil {
		if v, ok := g.ETACache.Get(from, to); ok {
			return v
		}
	}
	if g.ETAClient != nil {
		if v, err := g.ETAClient.EstimateSeconds(from, to); err == nil {
			if g.ETACache != nil {
				g.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	// fallback to naive estimator
	return eta.EstimateSeconds(from, to, g.DefaultSpeedMps)
}
