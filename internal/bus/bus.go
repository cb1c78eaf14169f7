package bus

import (
	"fmt"

	"github.com/opensource-sec/kestrel/internal/domain"
)

// envelopeMetadata stamps every published message with its origin so
// downstream consumers can tell kestrel traffic from other publishers on a
// shared broker, and which backend carried it.
func envelopeMetadata(transport string) map[string]string {
	return map[string]string{
		"source":    "kestrel",
		"transport": transport,
	}
}

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}
