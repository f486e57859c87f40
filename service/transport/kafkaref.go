package transport

import (
	"context"
	"encoding/json"

	"IMProject/module/chat/model"
	"IMProject/tools/errs"

	"github.com/Shopify/sarama"
)

// KafkaConfig Kafka 解析器配置
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Retries int
}

func (c *KafkaConfig) norm() {
	if c.Topic == "" {
		c.Topic = "im_actor_events"
	}
	if c.Retries <= 0 {
		c.Retries = 1
	}
}

// KafkaResolver 同步生产者投递。RequiredAcks=WaitForAll，broker 确认即 ack；
// Key 用 receiver，哈希分区保证同一接收方事件有序。
type KafkaResolver struct {
	cfg      KafkaConfig
	producer sarama.SyncProducer
}

func NewKafkaResolver(cfg KafkaConfig) (*KafkaResolver, error) {
	cfg.norm()
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.Retries
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer")
	}
	return &KafkaResolver{cfg: cfg, producer: producer}, nil
}

func (r *KafkaResolver) Resolve(receiver string) (Ref, error) {
	return RefFunc(func(ctx context.Context, ev *model.OutboxEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return errs.Wrap(err)
		}
		msg := &sarama.ProducerMessage{
			Topic: r.cfg.Topic,
			Key:   sarama.StringEncoder(receiver),
			Value: sarama.ByteEncoder(data),
		}
		if _, _, err := r.producer.SendMessage(msg); err != nil {
			return errs.ErrTransientDelivery.WrapMsg(err.Error(), "receiver", receiver)
		}
		return nil
	}), nil
}

func (r *KafkaResolver) Close() error { return r.producer.Close() }
