// Package alert implements the Alerter the DagEngine and ClusterController
// notify on tolerance faults, timeouts, and server-down events, fanning
// each message out to every configured sink.
package alert

import (
	"context"
	"fmt"
)

// Sink delivers one alert message to a destination (Slack channel,
// Discord channel, etc).
type Sink interface {
	Send(ctx context.Context, subject, message string) error
}

// FanOut is an Alerter that sends to every configured Sink, collecting
// (not short-circuiting on) individual sink failures.
type FanOut struct {
	sinks []Sink
}

// NewFanOut constructs a FanOut over sinks.
func NewFanOut(sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks}
}

// Alert implements dagengine.Alerter and cluster.Alerter.
func (f *FanOut) Alert(ctx context.Context, subject, message string) error {
	var firstErr error
	for _, sink := range f.sinks {
		if err := sink.Send(ctx, subject, message); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("alert: sink failed: %w", err)
		}
	}
	return firstErr
}
