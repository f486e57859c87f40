package transport

import (
	"context"
	"encoding/json"
	"time"

	"IMProject/module/chat/model"
	"IMProject/tools/errs"

	"github.com/nats-io/nats.go"
)

// NatsConfig NATS 解析器配置
type NatsConfig struct {
	Servers       []string
	Name          string
	SubjectPrefix string // 事件主题：{prefix}.{receiver}
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *NatsConfig) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "im.events"
	}
}

// NatsResolver request/reply 投递：收到应答即 ack，超时按投递失败处理。
type NatsResolver struct {
	cfg NatsConfig
	nc  *nats.Conn
}

func NewNatsResolver(cfg NatsConfig) (*NatsResolver, error) {
	cfg.norm()
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(joinServers(cfg.Servers), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &NatsResolver{cfg: cfg, nc: nc}, nil
}

func (r *NatsResolver) Resolve(receiver string) (Ref, error) {
	subject := r.cfg.SubjectPrefix + "." + receiver
	return RefFunc(func(ctx context.Context, ev *model.OutboxEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return errs.Wrap(err)
		}
		msg := nats.NewMsg(subject)
		msg.Data = data
		msg.Header.Add("event-type", string(ev.Type))
		msg.Header.Add("event-id", ev.ID)
		if _, err := r.nc.RequestMsgWithContext(ctx, msg); err != nil {
			return errs.ErrTransientDelivery.WrapMsg(err.Error(), "receiver", receiver)
		}
		return nil
	}), nil
}

func (r *NatsResolver) Conn() *nats.Conn { return r.nc }

func (r *NatsResolver) Close() { r.nc.Close() }

func joinServers(servers []string) string {
	out := ""
	for i, s := range servers {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
