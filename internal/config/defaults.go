package config

import "time"

func DefaultConfig() *Config {
	return &Config{
		Tiers: TiersConfig{
			Core: TierConfig{
				Backend:   "local",
				Capacity:  ByteSize(100 * 1024 * 1024 * 1024), // 100GB
				HighWater: 0.85,
				LowWater:  0.60,
				Local:     LocalBackendConfig{DataDir: "/var/lib/strata/core"},
			},
			Main: TierConfig{
				Backend:   "minio",
				Capacity:  ByteSize(1024 * 1024 * 1024 * 1024), // 1TB
				HighWater: 0.85,
				LowWater:  0.60,
			},
			Archive: TierConfig{
				Backend:  "s3",
				Capacity: -1, // unlimited
			},
		},
		Migration: MigrationConfig{
			CheckInterval:      Duration(24 * time.Hour),
			Policy:             "oldest-first",
			BatchSize:          256,
			AllowDirectArchive: false,
		},
		Prober: ProberConfig{
			Interval:         Duration(30 * time.Second),
			Timeout:          Duration(5 * time.Second),
			FailureThreshold: 3,
			SuccessThreshold: 2,
			HealthPath:       "/healthz",
		},
		Router: RouterConfig{
			Algorithm:  "weighted-round-robin",
			RetryLimit: 1,
		},
		Metadata: MetadataConfig{
			Path: "/var/lib/strata/meta.db",
		},
		Events: EventsConfig{
			Enabled:        false,
			URL:            "nats://localhost:4222",
			SubjectPrefix:  "strata",
			ConnectionName: "strata",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
	}
}
