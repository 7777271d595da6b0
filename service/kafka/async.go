package kafka

import (
	"TratoChat/logger"

	"github.com/Shopify/sarama"
)

var AsyncProd sarama.AsyncProducer

func InitAsyncProducerFromClient() error {
	p, err := sarama.NewAsyncProducerFromClient(KafkaClient)
	if err != nil {
		return err
	}
	AsyncProd = p

	go func() {
		for {
			select {
			case msg, ok := <-AsyncProd.Successes():
				if !ok {
					return
				}
				logger.Debugf("[kafka] sent topic=%s partition=%d offset=%d", msg.Topic, msg.Partition, msg.Offset)
			case err, ok := <-AsyncProd.Errors():
				if !ok {
					return
				}
				logger.Errorf("[kafka] async send error: %v", err)
			}
		}
	}()

	return nil
}

// SendAsync enqueues without blocking the caller; the key keeps one
// recipient's digests on one partition.
func SendAsync(topic, key string, value []byte) {
	if AsyncProd == nil {
		logger.Warnf("[kafka] producer not ready, dropping message topic=%s", topic)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	AsyncProd.Input() <- msg
}
