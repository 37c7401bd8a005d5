package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// feedSource supplies position reports from an upstream feed, as an
// alternative to devices reporting over the authenticated HTTP path.
type feedSource interface {
	fetch(ctx context.Context) ([]LocationReport, error)
}

type gtfsRTFeedSource struct {
	url        string
	httpClient *http.Client
}

func newGtfsRTFeedSource(url string, timeout time.Duration) *gtfsRTFeedSource {
	return &gtfsRTFeedSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *gtfsRTFeedSource) fetch(ctx context.Context) ([]LocationReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtfs-rt http status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		return nil, err
	}
	reports := make([]LocationReport, 0, len(feed.Entity))
	for _, ent := range feed.Entity {
		if ent == nil || ent.Vehicle == nil {
			continue
		}
		vp := ent.Vehicle
		if vp.Vehicle == nil || vp.Position == nil {
			continue
		}
		id := vp.Vehicle.Id
		if id == nil || *id == "" {
			continue
		}
		pos := vp.Position
		if pos.Latitude == nil || pos.Longitude == nil {
			continue
		}
		r := LocationReport{
			UUID:      *id,
			Latitude:  float64(*pos.Latitude),
			Longitude: float64(*pos.Longitude),
		}
		if pos.Bearing != nil {
			r.Rotation = float64(*pos.Bearing)
		}
		reports = append(reports, r)
	}
	return reports, nil
}
