package config

import (
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	conf, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if conf.Storage.Driver != "memory" {
		t.Fatalf("storage driver = %q", conf.Storage.Driver)
	}
	if conf.Transport.Driver != "inproc" {
		t.Fatalf("transport driver = %q", conf.Transport.Driver)
	}
	if conf.Gateway.Subject == "" || conf.Gateway.Queue == "" {
		t.Fatalf("gateway defaults missing: %+v", conf.Gateway)
	}
}

func TestParseWeaklyTyped(t *testing.T) {
	raw := []byte(`
storage:
  driver: redis
  redis:
    addr: "127.0.0.1:6379"
    db: "2"
transport:
  driver: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
actor:
  debounce_ms: "250"
  batch_max: 4
`)
	conf, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if conf.Storage.Redis.DB != 2 {
		t.Fatalf("db = %d, weak typing broken", conf.Storage.Redis.DB)
	}
	if conf.Actor.DebounceMS != 250 || conf.Actor.BatchMax != 4 {
		t.Fatalf("actor = %+v", conf.Actor)
	}
	if len(conf.Transport.Kafka.Brokers) != 2 {
		t.Fatalf("brokers = %v", conf.Transport.Kafka.Brokers)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	conf, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conf.Storage.Driver != "memory" {
		t.Fatalf("storage driver = %q", conf.Storage.Driver)
	}
}

func TestParseGarbage(t *testing.T) {
	if _, err := Parse([]byte(":::nope")); err == nil {
		t.Fatal("garbage yaml must error")
	}
}
