package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/portunus-nfc/internal/logging"
)

func TestKafkaPublisher_SendsEnvelope(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev Event
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.Type != EventAccessLog {
			return errors.New("unexpected event type " + ev.Type)
		}
		return nil
	})

	p := NewKafkaPublisher(producer, "portunus.events", nil, logging.Discard())
	require.NoError(t, p.Broadcast(context.Background(), EventAccessLog, map[string]string{"decision": "ALLOW"}))
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_ReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	p := NewKafkaPublisher(producer, "portunus.events", nil, logging.Discard())
	err := p.Broadcast(context.Background(), EventDeviceStatus, nil)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, p.Close())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewKafkaConfig())
	p := NewKafkaPublisher(producer, "portunus.events", nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Broadcast(ctx, EventAccessLog, nil), context.Canceled)
	require.NoError(t, p.Close())
}

func TestDialKafka_RequiresBrokers(t *testing.T) {
	_, err := DialKafka(nil, "t", nil, logging.Discard())
	assert.Error(t, err)
}
