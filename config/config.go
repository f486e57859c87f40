// Package config 进程配置。YAML 先落到 map，再用 mapstructure 弱类型
// 绑定到结构体，环境里常见的字符串数字也能吃进来。
package config

import (
	"os"

	"IMProject/tools/errs"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage   Storage   `mapstructure:"storage"`
	Transport Transport `mapstructure:"transport"`
	Actor     Actor     `mapstructure:"actor"`
	Gateway   Gateway   `mapstructure:"gateway"`
}

// Storage 持久层选型。memory 只给单测和本地跑用。
type Storage struct {
	Driver   string   `mapstructure:"driver"` // memory / redis / mongo / postgres
	Redis    Redis    `mapstructure:"redis"`
	Mongo    Mongo    `mapstructure:"mongo"`
	Postgres Postgres `mapstructure:"postgres"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Mongo struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

// Transport 跨 actor 事件的承载。inproc 单进程直连。
type Transport struct {
	Driver string `mapstructure:"driver"` // inproc / nats / kafka
	Nats   Nats   `mapstructure:"nats"`
	Kafka  Kafka  `mapstructure:"kafka"`
}

type Nats struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	TimeoutMS     int    `mapstructure:"timeout_ms"`
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Actor 会话 actor 调参，零值走默认
type Actor struct {
	DebounceMS        int `mapstructure:"debounce_ms"`
	BatchMax          int `mapstructure:"batch_max"`
	InflightTimeoutMS int `mapstructure:"inflight_timeout_ms"`
	RetryIntervalMS   int `mapstructure:"retry_interval_ms"`
	PageCount         int `mapstructure:"page_count"`
}

// Gateway 入站命令面
type Gateway struct {
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

func (c *Config) norm() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Transport.Driver == "" {
		c.Transport.Driver = "inproc"
	}
	if c.Transport.Nats.SubjectPrefix == "" {
		c.Transport.Nats.SubjectPrefix = "im.actor"
	}
	if c.Gateway.Subject == "" {
		c.Gateway.Subject = "im.gateway.cmd"
	}
	if c.Gateway.Queue == "" {
		c.Gateway.Queue = "im-gateway"
	}
}

// Load 读 YAML 配置文件
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// 没有配置文件时全部走默认值
		return Parse([]byte("{}"))
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "read config", "path", path)
	}
	return Parse(raw)
}

// Parse 解析 YAML 内容
func Parse(raw []byte) (*Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errs.WrapMsg(err, "parse config yaml")
	}
	conf := new(Config)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           conf,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := dec.Decode(m); err != nil {
		return nil, errs.WrapMsg(err, "bind config")
	}
	conf.norm()
	return conf, nil
}
