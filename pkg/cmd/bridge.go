package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/nexus/pkg/channels/gochannel"
	"github.com/dukex/nexus/pkg/channels/kafka"
	"github.com/dukex/nexus/pkg/eventbus"
)

// NewBridge connects bus to the configured broker. Provider "none" or an
// empty provider returns a nil bridge.
func NewBridge(provider string, bus *eventbus.Bus, logger *slog.Logger, brokers []string, consumerGroup string) (*eventbus.Bridge, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "", "none":
		return nil, nil
	case "gochannel":
		pub, sub := gochannel.CreateChannel(wmLogger)

		return eventbus.NewBridge(bus, pub, sub, logger), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, brokers, consumerGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewBridge(bus, pub, sub, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bridge provider %q", provider)
	}
}
