package config

import (
	"fmt"
	"strings"
	"time"
)

// Config defines the central system configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"VOLTCORE_HTTP_PORT"`
	} `yaml:"http"`
	Log struct {
		Level string `yaml:"level" env:"LOG_LEVEL"`
	} `yaml:"log"`
	Database struct {
		DSN string `yaml:"dsn" env:"VOLTCORE_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"VOLTCORE_REDIS_ADDR"`
		Password string `yaml:"password" env:"VOLTCORE_REDIS_PASSWORD"`
	} `yaml:"redis"`
	Nats struct {
		URL string `yaml:"url" env:"VOLTCORE_NATS_URL"`
	} `yaml:"nats"`
	Auth struct {
		JWTSecret        string `yaml:"jwtSecret" env:"VOLTCORE_JWT_SECRET"`
		DeviceUser       string `yaml:"deviceUser" env:"VOLTCORE_DEVICE_USER"`
		DeviceSecretHash string `yaml:"deviceSecretHash" env:"VOLTCORE_DEVICE_SECRET_HASH"`
	} `yaml:"auth"`
	WebSocket struct {
		PingIntervalSeconds int `yaml:"pingIntervalSeconds" env:"VOLTCORE_PING_INTERVAL"`
		WriteTimeoutSeconds int `yaml:"writeTimeoutSeconds" env:"VOLTCORE_WRITE_TIMEOUT"`
	} `yaml:"websocket"`
	Charging struct {
		TariffPerKWh        float64 `yaml:"tariffPerKwh" env:"VOLTCORE_TARIFF_PER_KWH"`
		MaxPowerKW          float64 `yaml:"maxPowerKw" env:"VOLTCORE_MAX_POWER_KW"`
		HeartbeatSeconds    int     `yaml:"heartbeatSeconds" env:"VOLTCORE_HEARTBEAT_INTERVAL"`
		SnapshotPath        string  `yaml:"snapshotPath" env:"VOLTCORE_SNAPSHOT_PATH"`
		MeterThrottleMillis int     `yaml:"meterThrottleMillis" env:"VOLTCORE_METER_THROTTLE_MS"`
	} `yaml:"charging"`
	Commands struct {
		ActionTimeoutSeconds int `yaml:"actionTimeoutSeconds" env:"VOLTCORE_ACTION_TIMEOUT"`
		SweepIntervalSeconds int `yaml:"sweepIntervalSeconds" env:"VOLTCORE_SWEEP_INTERVAL"`
		PendingTTLSeconds    int `yaml:"pendingTtlSeconds" env:"VOLTCORE_PENDING_TTL"`
	} `yaml:"commands"`
	Shutdown struct {
		DrainDeadlineSeconds int `yaml:"drainDeadlineSeconds" env:"VOLTCORE_DRAIN_DEADLINE"`
	} `yaml:"shutdown"`
}

// Load reads the config file and environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAddress returns :port style address.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// PingInterval returns the websocket liveness probe interval.
func (c *Config) PingInterval() time.Duration {
	if c.WebSocket.PingIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.WebSocket.PingIntervalSeconds) * time.Second
}

// WriteTimeout returns the websocket write timeout.
func (c *Config) WriteTimeout() time.Duration {
	if c.WebSocket.WriteTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.WebSocket.WriteTimeoutSeconds) * time.Second
}

// TariffPerKWh returns the flat energy price used for session cost.
func (c *Config) TariffPerKWh() float64 {
	if c.Charging.TariffPerKWh <= 0 {
		return 0.1
	}
	return c.Charging.TariffPerKWh
}

// MaxPowerKW returns the rated connector power used for efficiency estimates.
func (c *Config) MaxPowerKW() float64 {
	if c.Charging.MaxPowerKW <= 0 {
		return 22
	}
	return c.Charging.MaxPowerKW
}

// HeartbeatInterval returns the interval handed to devices in BootNotification.
func (c *Config) HeartbeatInterval() int {
	if c.Charging.HeartbeatSeconds <= 0 {
		return 300
	}
	return c.Charging.HeartbeatSeconds
}

// SnapshotPath returns the flat-file path for the recent-transaction snapshot.
func (c *Config) SnapshotPath() string {
	if strings.TrimSpace(c.Charging.SnapshotPath) == "" {
		return "recent_transactions.json"
	}
	return c.Charging.SnapshotPath
}

// MeterThrottle returns the minimum gap between meter delta broadcasts.
func (c *Config) MeterThrottle() time.Duration {
	if c.Charging.MeterThrottleMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Charging.MeterThrottleMillis) * time.Millisecond
}

// ActionTimeout bounds how long a client-facing start/stop request waits for
// the device to confirm.
func (c *Config) ActionTimeout() time.Duration {
	if c.Commands.ActionTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Commands.ActionTimeoutSeconds) * time.Second
}

// SweepInterval returns the cadence of the reservation/pending sweeps.
func (c *Config) SweepInterval() time.Duration {
	if c.Commands.SweepIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Commands.SweepIntervalSeconds) * time.Second
}

// PendingTTL returns how long an unanswered server-initiated call is kept.
func (c *Config) PendingTTL() time.Duration {
	if c.Commands.PendingTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Commands.PendingTTLSeconds) * time.Second
}

// DrainDeadline returns the hard deadline for graceful shutdown.
func (c *Config) DrainDeadline() time.Duration {
	if c.Shutdown.DrainDeadlineSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Shutdown.DrainDeadlineSeconds) * time.Second
}
