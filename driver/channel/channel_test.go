package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmq/flowmq/driver"
)

func produce(t *testing.T, d *Driver, topic string, key []byte, payload string) *driver.Receipt {
	t.Helper()
	receipt, err := d.Produce(context.Background(), &driver.Message{
		Topic:     topic,
		Key:       key,
		Payload:   []byte(payload),
		Timestamp: time.Now().UTC(),
	}, true)
	require.NoError(t, err)
	return receipt
}

func TestProduceAndPoll(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	receipt := produce(t, d, "orders", []byte("k"), `{"id":1}`)
	assert.True(t, receipt.Acked)
	assert.GreaterOrEqual(t, receipt.Partition, 0)

	h, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	defer h.Close()

	delivery, err := h.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "orders", delivery.Topic)
	assert.Equal(t, `{"id":1}`, string(delivery.Payload))
	assert.Equal(t, receipt.Partition, delivery.Partition)
	assert.Equal(t, receipt.Offset, delivery.Offset)
	assert.Equal(t, "group-a", delivery.GroupID)
}

func TestPollTimesOutEmpty(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	h, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	defer h.Close()

	delivery, err := h.Poll(context.Background(), 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestPollHonoursContextCancel(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	h, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeyedMessagesShareAPartition(t *testing.T) {
	d := New(Config{Partitions: 4})
	defer d.Close()

	first := produce(t, d, "orders", []byte("cust-1"), "a")
	for i := 0; i < 10; i++ {
		receipt := produce(t, d, "orders", []byte("cust-1"), "b")
		assert.Equal(t, first.Partition, receipt.Partition)
	}
}

func TestKeylessMessagesSpreadRoundRobin(t *testing.T) {
	d := New(Config{Partitions: 3})
	defer d.Close()

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		receipt := produce(t, d, "orders", nil, "x")
		seen[receipt.Partition] = true
	}
	assert.Len(t, seen, 3)
}

func TestOffsetsIncreasePerPartition(t *testing.T) {
	d := New(Config{Partitions: 1})
	defer d.Close()

	for want := int64(0); want < 3; want++ {
		receipt := produce(t, d, "orders", nil, "x")
		assert.Equal(t, want, receipt.Offset)
	}
}

func TestCommitResumesNewHandleAfterOffset(t *testing.T) {
	d := New(Config{Partitions: 1})
	defer d.Close()

	produce(t, d, "orders", nil, "first")
	produce(t, d, "orders", nil, "second")

	h, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)

	first, err := h.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Commit(context.Background(), first))
	require.NoError(t, h.Close())

	// A fresh handle in the same group resumes past the committed offset.
	resumed, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	defer resumed.Close()

	next, err := resumed.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "second", string(next.Payload))
}

func TestUncommittedRedeliveredToNewHandle(t *testing.T) {
	d := New(Config{Partitions: 1})
	defer d.Close()

	produce(t, d, "orders", nil, "only")

	h, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	delivery, err := h.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	require.NoError(t, h.Close()) // crash without commit

	replacement, err := d.Subscribe(context.Background(), "group-a", "orders")
	require.NoError(t, err)
	defer replacement.Close()

	redelivered, err := replacement.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, "only", string(redelivered.Payload))
}

func TestIndependentGroupsSeeAllMessages(t *testing.T) {
	d := New(Config{Partitions: 1})
	defer d.Close()

	produce(t, d, "orders", nil, "shared")

	for _, group := range []string{"group-a", "group-b"} {
		h, err := d.Subscribe(context.Background(), group, "orders")
		require.NoError(t, err)
		delivery, err := h.Poll(context.Background(), time.Second)
		require.NoError(t, err)
		require.NotNil(t, delivery, "group %s saw nothing", group)
		require.NoError(t, h.Close())
	}
}

func TestSubscribeRequiresGroupID(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	_, err := d.Subscribe(context.Background(), "", "orders")
	assert.Error(t, err)
}

func TestProduceBatch(t *testing.T) {
	d := New(Config{})
	defer d.Close()

	msgs := []*driver.Message{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	}
	accepted, err := d.ProduceBatch(context.Background(), "orders", msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	assert.Len(t, d.Records("orders"), 2)
}

func TestCreateTopicControlsPartitions(t *testing.T) {
	d := New(Config{Partitions: 3})
	defer d.Close()

	d.CreateTopic("narrow", 1)
	for i := 0; i < 5; i++ {
		receipt := produce(t, d, "narrow", nil, "x")
		assert.Equal(t, 0, receipt.Partition)
	}
}

func TestClosedDriverRejectsCalls(t *testing.T) {
	d := New(Config{})
	require.NoError(t, d.Close())

	assert.Error(t, d.Connect(context.Background()))
	_, err := d.Produce(context.Background(), &driver.Message{Topic: "orders"}, true)
	assert.Error(t, err)
	_, err = d.Subscribe(context.Background(), "group-a", "orders")
	assert.Error(t, err)
}
