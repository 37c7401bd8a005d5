package main

import (
	"context"
	"log/slog"
	"time"
)

// poller periodically fetches an upstream feed and pushes changed positions
// through the same persist-then-broadcast path as HTTP ingest. Reports whose
// position and heading did not move since the last tick are skipped, so a
// static fleet produces no writes or traffic.
type poller struct {
	feed              feedSource
	store             *fileStore
	hub               *hub
	log               *slog.Logger
	minRefreshSeconds int

	lastSeen map[string]LocationReport
}

func newPoller(feed feedSource, store *fileStore, hub *hub, log *slog.Logger, minRefreshSeconds int) *poller {
	return &poller{
		feed:              feed,
		store:             store,
		hub:               hub,
		log:               log,
		minRefreshSeconds: minRefreshSeconds,
		lastSeen:          make(map[string]LocationReport),
	}
}

func (p *poller) run(ctx context.Context) {
	interval := time.Duration(p.minRefreshSeconds) * time.Second
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			p.tick(ctx)
			elapsed := time.Since(start)
			interval = max(elapsed/2, time.Duration(p.minRefreshSeconds)*time.Second)
			t.Reset(interval)
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	reports, err := p.feed.fetch(cctx)
	if err != nil {
		p.log.Warn("feed poll failed", "error", err)
		return
	}

	changed := 0
	for _, r := range p.changedSince(reports) {
		r.Timestamp = time.Now().UnixMilli()
		if err := p.store.saveAndNotify(r, func() { p.hub.broadcast(r) }); err != nil {
			p.log.Error("failed to persist feed report", "entity", r.UUID, "error", err)
			continue
		}
		changed++
	}
	if changed > 0 {
		p.log.Info("feed tick", "fetched", len(reports), "changed", changed)
	}
}

func (p *poller) changedSince(in []LocationReport) []LocationReport {
	var out []LocationReport
	for _, r := range in {
		prev, ok := p.lastSeen[r.UUID]
		if !ok || prev.Latitude != r.Latitude || prev.Longitude != r.Longitude || prev.Rotation != r.Rotation {
			out = append(out, r)
		}
		p.lastSeen[r.UUID] = r
	}
	return out
}
