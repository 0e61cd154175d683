package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func envOf(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	cfg, err := Load(envOf(map[string]string{"JWT_KEY": "secret"}), zap.New(core))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != defaultPort || cfg.DatabaseURL != defaultDatabaseURL {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.StoreBackend != StorePostgres || cfg.EventBus != BusKafka {
		t.Fatalf("expected postgres and kafka, got %s / %s", cfg.StoreBackend, cfg.EventBus)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.PublishTimeout != 5*time.Second || cfg.RedeliveryBatch != 50 {
		t.Fatalf("unexpected publish settings %+v", cfg)
	}
	if logs.FilterMessage("environment variable not set, using default").Len() == 0 {
		t.Fatalf("expected warnings for defaulted values")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Parallel()

	cfg, err := Load(envOf(map[string]string{
		"PORT":                            "9000",
		"CORS_ORIGINS":                    "https://a.example, https://b.example",
		"STORE_BACKEND":                   "AZTABLES",
		"AZURE_STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"EVENT_BUS":                       "redis",
		"REDIS_URL":                       "redis://localhost:6379/0",
		"JWKS_URL":                        "https://issuer.example/.well-known/jwks.json",
		"PUBLISH_TIMEOUT":                 "750ms",
		"REDELIVERY_INTERVAL":             "1m",
		"REDELIVERY_BATCH":                "10",
	}), nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Port != "9000" || len(cfg.CORSOrigins) != 2 {
		t.Fatalf("unexpected http settings %+v", cfg)
	}
	if cfg.StoreBackend != StoreTables || cfg.DatabaseURL != "" {
		t.Fatalf("expected aztables without database url, got %+v", cfg)
	}
	if cfg.EventBus != BusRedis || cfg.KafkaBrokers != nil {
		t.Fatalf("expected redis bus, got %+v", cfg)
	}
	if cfg.PublishTimeout != 750*time.Millisecond || cfg.RedeliveryInterval != time.Minute || cfg.RedeliveryBatch != 10 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "no auth", env: map[string]string{}, want: "JWT_KEY or JWKS_URL"},
		{name: "unknown store", env: map[string]string{"JWT_KEY": "k", "STORE_BACKEND": "mongo"}, want: "unknown STORE_BACKEND"},
		{name: "tables without connection", env: map[string]string{"JWT_KEY": "k", "STORE_BACKEND": "aztables"}, want: "AZURE_STORAGE_CONNECTION_STRING"},
		{name: "redis without url", env: map[string]string{"JWT_KEY": "k", "EVENT_BUS": "redis"}, want: "REDIS_URL"},
		{name: "bad timeout", env: map[string]string{"JWT_KEY": "k", "PUBLISH_TIMEOUT": "soon"}, want: "PUBLISH_TIMEOUT"},
		{name: "bad batch", env: map[string]string{"JWT_KEY": "k", "REDELIVERY_BATCH": "-1"}, want: "REDELIVERY_BATCH"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(envOf(tt.env), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestParseEnv(t *testing.T) {
	t.Parallel()

	input := "\ufeff# comment\nPORT=9090\nexport JWT_KEY=\"quoted secret\"\nEMPTY=\nBROKEN\n  SPACED = 'value' \n"
	got := map[string]string{}
	err := parseEnv(strings.NewReader(input), func(k, v string) error {
		got[k] = v
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := map[string]string{"PORT": "9090", "JWT_KEY": "quoted secret", "EMPTY": "", "SPACED": "value"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("expected %s=%q, got %q", k, v, got[k])
		}
	}
}

func TestParseCSV(t *testing.T) {
	t.Parallel()

	got := ParseCSV(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected %v", got)
	}
	if ParseCSV("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}
