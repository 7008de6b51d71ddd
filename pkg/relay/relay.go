// Package relay mirrors mission-critical fleet traffic onto the satellite
// uplink topics so a shore-side headquarters can follow the operation with
// no direct link to the fleet network.
package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/bus"
	"github.com/mobfleet/mobfleet/pkg/types"
)

// uplinkTopics is the traffic worth a satellite byte: mission triggers,
// fleet events, and phase changes. Raw telemetry stays local.
var uplinkTopics = []string{
	types.TopicMissionStart,
	types.TopicEventPattern,
	types.TopicStatePattern,
}

// Relay copies matching messages to global_hq/uplink/<original topic>,
// payload untouched. It keeps no state; HQ reassembles the picture.
type Relay struct {
	bus bus.Bus
	log *zap.Logger
}

// New builds a relay on b.
func New(b bus.Bus, log *zap.Logger) *Relay {
	return &Relay{bus: b, log: log.Named("relay")}
}

// Run mirrors traffic until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.bus.Subscribe(uplinkTopics...); err != nil {
		return err
	}
	r.log.Info("satellite relay online")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.bus.Messages():
			if !ok {
				return nil
			}
			if err := r.bus.Publish(types.TopicUplinkPrefix+msg.Topic, msg.Payload, false); err != nil {
				r.log.Warn("uplink publish failed", zap.String("topic", msg.Topic), zap.Error(err))
			}
		}
	}
}
