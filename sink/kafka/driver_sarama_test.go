package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdcflow/sink"
)

func newMockDriver(t *testing.T) (*driver, *mocks.SyncProducer) {
	t.Helper()
	sc := mocks.NewTestConfig()
	sc.Producer.Return.Successes = true
	p := mocks.NewSyncProducer(t, sc)
	d := &driver{}
	d.attach(Config{Brokers: []string{"b:9092"}, Topic: "customers"}, p)
	return d, p
}

func TestDriver_PushCarriesHeaders(t *testing.T) {
	d, p := newMockDriver(t)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "customers" {
			return errors.New("wrong topic")
		}
		if len(pm.Headers) != 2 || string(pm.Headers[0].Key) != HeaderBlob || string(pm.Headers[1].Value) != "evt-1" {
			return errors.New("unexpected headers")
		}
		return nil
	})

	err := d.Push(context.Background(), &sink.Message{
		Key: []byte(`{"id":1}`), Value: []byte(`{"id":1}`), Headers: []byte(`[]`), EventID: "evt-1",
	})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close(), "close is idempotent")
}

func TestDriver_TombstoneHasNilValue(t *testing.T) {
	d, p := newMockDriver(t)
	p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Value != nil {
			return errors.New("tombstone must have a nil value")
		}
		return nil
	})
	require.NoError(t, d.Push(context.Background(), &sink.Message{Key: []byte("k")}))
	require.NoError(t, d.Close())
}

func TestDriver_PushFailure(t *testing.T) {
	d, p := newMockDriver(t)
	p.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)

	err := d.Push(context.Background(), &sink.Message{Value: []byte("v"), Partition: "p", Position: "9"})
	require.ErrorIs(t, err, sarama.ErrNotEnoughReplicas)
	assert.Contains(t, err.Error(), "p@9")
	require.NoError(t, d.Close())
}

func TestDriver_ConfigureValidates(t *testing.T) {
	err := (&driver{}).Configure(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers are required")
	assert.Contains(t, err.Error(), "topic is required")
	assert.Error(t, (&driver{}).Configure("x"))
}

func TestConfig_RequiredAcks(t *testing.T) {
	acks := func(v int16) *int16 { return &v }

	assert.Equal(t, sarama.WaitForAll, (&Config{}).requiredAcks())
	assert.Equal(t, sarama.NoResponse, (&Config{Acks: acks(0)}).requiredAcks())
	assert.Equal(t, sarama.WaitForLocal, (&Config{Acks: acks(1)}).requiredAcks())

	err := (&driver{}).Configure(Config{Brokers: []string{"b:9092"}, Topic: "t", Acks: acks(2)})
	require.ErrorContains(t, err, "required_acks must be -1, 0 or 1")
}
