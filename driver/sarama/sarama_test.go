package sarama

import (
	"context"
	"testing"
	"time"

	kafka "github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq/driver"
	"github.com/flowmq/flowmq/internal/runtime/config"
	"github.com/flowmq/flowmq/internal/runtime/logging"
	"github.com/flowmq/flowmq/internal/runtime/metadata"
)

func TestBuildRequiresBrokers(t *testing.T) {
	_, err := Build(context.Background(), &config.Config{Backend: DriverName}, logging.Nop())
	require.Error(t, err)
}

func TestBuildWithBrokers(t *testing.T) {
	d, err := Build(context.Background(), &config.Config{
		Backend: DriverName,
		Brokers: []string{"localhost:9092"},
	}, logging.Nop())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.NoError(t, d.Close())
}

func TestSaramaConfigProducerSettings(t *testing.T) {
	sc, err := saramaConfig(&config.Config{
		ClientID:    "billing",
		BatchLinger: 10 * time.Millisecond,
		BatchSize:   250,
	})
	require.NoError(t, err)

	assert.Equal(t, "billing", sc.ClientID)
	assert.Equal(t, kafka.WaitForAll, sc.Producer.RequiredAcks)
	assert.True(t, sc.Producer.Return.Successes)
	assert.True(t, sc.Producer.Return.Errors)
	assert.Equal(t, 10*time.Millisecond, sc.Producer.Flush.Frequency)
	assert.Equal(t, 250, sc.Producer.Flush.MaxMessages)
}

func TestSaramaConfigCompression(t *testing.T) {
	cases := map[string]kafka.CompressionCodec{
		"gzip":   kafka.CompressionGZIP,
		"snappy": kafka.CompressionSnappy,
		"lz4":    kafka.CompressionLZ4,
		"zstd":   kafka.CompressionZSTD,
	}
	for name, want := range cases {
		sc, err := saramaConfig(&config.Config{Compression: name})
		require.NoError(t, err, name)
		assert.Equal(t, want, sc.Producer.Compression, name)
	}

	_, err := saramaConfig(&config.Config{Compression: "brotli"})
	require.Error(t, err)
}

func TestSaramaConfigConsumerSettings(t *testing.T) {
	sc, err := saramaConfig(&config.Config{
		AutoOffsetReset: "latest",
		AutoCommit:      true,
		SessionTimeout:  45 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, kafka.OffsetNewest, sc.Consumer.Offsets.Initial)
	assert.True(t, sc.Consumer.Offsets.AutoCommit.Enable)
	assert.Equal(t, 45*time.Second, sc.Consumer.Group.Session.Timeout)
	assert.True(t, sc.Consumer.Return.Errors)

	sc, err = saramaConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, kafka.OffsetOldest, sc.Consumer.Offsets.Initial)
	assert.False(t, sc.Consumer.Offsets.AutoCommit.Enable)
}

func TestSaramaConfigSecurity(t *testing.T) {
	sc, err := saramaConfig(&config.Config{
		SecurityProtocol: "sasl_ssl",
		SASLMechanism:    "scram-sha-512",
		SASLUsername:     "svc",
		SASLPassword:     "secret",
	})
	require.NoError(t, err)

	assert.True(t, sc.Net.TLS.Enable)
	require.NotNil(t, sc.Net.TLS.Config)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, kafka.SASLMechanism(kafka.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	assert.Equal(t, "svc", sc.Net.SASL.User)
	assert.Equal(t, "secret", sc.Net.SASL.Password)

	_, err = saramaConfig(&config.Config{SASLMechanism: "gssapi"})
	require.Error(t, err)
}

func TestToProducerMessage(t *testing.T) {
	now := time.Now().UTC()
	msg := &driver.Message{
		Topic:     "orders",
		Key:       []byte("cust-1"),
		Payload:   []byte(`{"id":1}`),
		Headers:   metadata.New(metadata.KeyMessageID, "01ARZ"),
		Timestamp: now,
	}

	pm := toProducerMessage(msg)
	assert.Equal(t, "orders", pm.Topic)
	assert.Equal(t, kafka.ByteEncoder(msg.Key), pm.Key)
	assert.Equal(t, kafka.ByteEncoder(msg.Payload), pm.Value)
	assert.Equal(t, now, pm.Timestamp)
	require.Len(t, pm.Headers, 1)
	assert.Equal(t, metadata.KeyMessageID, string(pm.Headers[0].Key))
}

func TestToProducerMessageKeylessHasNilKey(t *testing.T) {
	pm := toProducerMessage(&driver.Message{Topic: "orders", Payload: []byte("x")})
	assert.Nil(t, pm.Key)
}
