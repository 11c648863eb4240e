package driver

// Capabilities describes the characteristics of a driver backend. All
// drivers expose the same semantics to the runtime; capabilities exist so
// operators can introspect the non-semantic differences (durability,
// compression, batching behaviour).
type Capabilities struct {
	// Durable indicates produced messages survive a process restart.
	Durable bool

	// SupportsCompression indicates the client can compress produced batches.
	SupportsCompression bool

	// SupportsBatching indicates the client buffers and batches produced
	// messages rather than writing one record per round trip.
	SupportsBatching bool

	// SupportsSASL indicates the client can authenticate via SASL.
	SupportsSASL bool

	// MaxMessageSize is the default maximum message size in bytes
	// (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the driver.
	Name string
}

// Predefined capability sets for the built-in drivers.
var (
	// SegmentCapabilities for the segmentio/kafka-go driver.
	SegmentCapabilities = Capabilities{
		Name:                "segment",
		Durable:             true,
		SupportsCompression: true,
		SupportsBatching:    true,
		SupportsSASL:        true,
		MaxMessageSize:      1048576, // Broker default 1MB
	}

	// SaramaCapabilities for the IBM/sarama driver.
	SaramaCapabilities = Capabilities{
		Name:                "sarama",
		Durable:             true,
		SupportsCompression: true,
		SupportsBatching:    true,
		SupportsSASL:        true,
		MaxMessageSize:      1048576, // Broker default 1MB
	}

	// ChannelCapabilities for the in-memory channel driver.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsBatching: true,
	}
)

// GetCapabilities returns the capabilities for a driver by name, using the
// default registry. Returns a zero Capabilities struct if the driver is
// unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
