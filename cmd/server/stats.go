package main

import (
	"context"
	"time"

	"github.com/matst80/natpunch/internal/rendezvous"
)

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Channels int                `json:"channels"`
	Hosts    int                `json:"hosts"`
	Pending  int                `json:"pending_connects"`
	Watchers int                `json:"event_watchers"`
	Events   []rendezvous.Event `json:"recent_events"`
	Now      string             `json:"now"`
}

func collectStats(ctx context.Context, state rendezvous.StateStore, srv *rendezvous.Server, hub *rendezvous.Hub) (Stats, error) {
	st, err := state.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Channels: st.Channels,
		Hosts:    st.Hosts,
		Pending:  srv.PendingConnects(),
		Watchers: hub.Subscribers(),
		Events:   hub.Recent(),
		Now:      time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	events := make([]rendezvous.Event, len(s.Events))
	// Newest first.
	for i, e := range s.Events {
		events[len(s.Events)-1-i] = e
	}
	return map[string]any{
		"Channels": s.Channels,
		"Hosts":    s.Hosts,
		"Pending":  s.Pending,
		"Watchers": s.Watchers,
		"Events":   events,
	}
}
