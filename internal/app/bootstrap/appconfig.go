// internal/app/bootstrap/appconfig.go
package bootstrap

import (
	"time"

	"github.com/shopspring/decimal"
)

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables (UPLINEHUB_*), configuration
// files, or command-line flags (loaded in LoadConfig). WAFFLE's CoreConfig
// covers the framework-level settings: ports, TLS, logging, CORS and body
// limits.
type AppConfig struct {
	// MongoDB connection configuration. The deployment must support
	// multi-document transactions (replica set or sharded cluster).
	MongoURI         string
	MongoDatabase    string
	MongoMaxPoolSize uint64
	MongoMinPoolSize uint64

	// RabbitMQ task transport. An empty URL runs tasks on the in-process
	// worker pool instead.
	RabbitMQURL      string
	RabbitMQQueue    string
	RabbitMQPrefetch int

	// Worker pool
	Workers         int
	WorkerQueueSize int

	// Commission schedule
	CommissionCloseRate   decimal.Decimal
	CommissionFarRate     decimal.Decimal
	CommissionCloseLevels int
	CommissionMaxLevels   int

	// Team resolution and promotion
	TeamMaxLevel int
	TiersFile    string // YAML tier table; empty uses the built-in table

	// Conflict retries for credits and promotions
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	// Timeouts (see system/timeouts)
	ReadTimeout  time.Duration
	TeamTimeout  time.Duration
	WalkTimeout  time.Duration
	SweepTimeout time.Duration

	// Write endpoints per client IP; zero disables limiting.
	WriteRatePerMinute int
	WriteRateBurst     int

	// Periodic rank recheck. A zero interval disables the job.
	RecheckInterval time.Duration
	RecheckPageSize int
}

// brokerEnabled reports whether tasks travel over RabbitMQ.
func (c AppConfig) brokerEnabled() bool { return c.RabbitMQURL != "" }
