package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/entropy/pkg/channels/gochannel"
	"github.com/dukex/entropy/pkg/channels/kafka"
	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/eventbus"
)

// NewEventBus builds the bus selected by settings.Provider.
func NewEventBus(settings config.Events, logger *slog.Logger) (eventbus.EventBus, error) {
	switch settings.Provider {
	case "gochannel", "":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create in-process pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub, settings.Topic), nil
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), kafka.Options{
			Brokers:       settings.KafkaBrokers,
			ConsumerGroup: settings.KafkaConsumerGroup,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(logger, pub, sub, settings.Topic), nil
	case "none":
		return eventbus.Noop{}, nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", settings.Provider)
	}
}
