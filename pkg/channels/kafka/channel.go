// Package kafka provides the Kafka event channel.
package kafka

import (
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
)

const clientID = "entropy"

// Options selects the brokers and the consumer group of a dashboard.
type Options struct {
	// Brokers may also hold comma separated lists, as set from the environment.
	Brokers       []string
	ConsumerGroup string
}

// CreateChannel connects a publisher and a consumer-group subscriber to the
// brokers. Subscribers start from the oldest offset so a restarted dashboard
// still sees figures saved while it was down.
func CreateChannel(logger watermill.LoggerAdapter, opts Options) (*kafka.Publisher, *kafka.Subscriber, error) {
	brokers := brokerList(opts.Brokers)
	if len(brokers) == 0 {
		return nil, nil, errors.New("no kafka brokers configured, set events.kafka_brokers")
	}

	group := opts.ConsumerGroup
	if group == "" {
		group = clientID
	}

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.ClientID = clientID
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         "cg-" + group,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		return nil, nil, err
	}

	publisherConfig := kafka.DefaultSaramaSyncPublisherConfig()
	publisherConfig.ClientID = clientID

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           true,
		},
		logger,
	)
	if err != nil {
		_ = subscriber.Close()

		return nil, nil, err
	}

	return publisher, subscriber, nil
}

func brokerList(raw []string) []string {
	var brokers []string

	for _, entry := range raw {
		for _, broker := range strings.Split(entry, ",") {
			broker = strings.TrimSpace(broker)
			if broker != "" {
				brokers = append(brokers, broker)
			}
		}
	}

	return brokers
}
