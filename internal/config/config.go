// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/morezero/module-comms/pkg/breaker"
	"github.com/morezero/module-comms/pkg/bus"
	"github.com/morezero/module-comms/pkg/eventbus"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/msgstore"
	"github.com/morezero/module-comms/pkg/workflow"
)

const logPrefix = "config:LoadConfig"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds commsd configuration.
type Config struct {
	// NATS
	COMMSURL                string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName               string `envconfig:"SERVICE_NAME" default:"module-comms"`
	COMMSSubject            string `envconfig:"COMMS_SUBJECT" default:"svc.comms.v1"`
	EventSubjectPrefix      string `envconfig:"EVENT_SUBJECT_PREFIX" default:"comms.events"`
	CapabilityChangeSubject string `envconfig:"CAPABILITY_CHANGE_SUBJECT" default:"comms.capability.changed"`

	// RequestTimeout bounds one dispatched request.
	RequestTimeout time.Duration `envconfig:"COMMS_REQUEST_TIMEOUT" default:"25s"`
	// TrustCallerContext accepts the userId and permissions a request claims
	// in its ctx. Only safe when NATS permissions restrict who may publish on
	// COMMS_SUBJECT. When false remote callers are anonymous.
	TrustCallerContext bool `envconfig:"COMMS_TRUST_CALLER_CONTEXT" default:"true"`

	// Backing store
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"memory"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"comms.db"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// Message bus
	BusWorkers              int           `envconfig:"BUS_WORKERS" default:"16"`
	BusQueueCapacity        int           `envconfig:"BUS_QUEUE_CAPACITY" default:"1024"`
	BusDefaultTimeout       time.Duration `envconfig:"BUS_DEFAULT_TIMEOUT" default:"30s"`
	BusMaxRetries           int           `envconfig:"BUS_MAX_RETRIES" default:"3"`
	BusBackoffInitial       time.Duration `envconfig:"BUS_BACKOFF_INITIAL" default:"100ms"`
	BusBackoffMax           time.Duration `envconfig:"BUS_BACKOFF_MAX" default:"5s"`
	BreakerFailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	BreakerResetTimeout     time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	DeadLetterCapacity      int           `envconfig:"DEAD_LETTER_CAPACITY" default:"10000"`

	// Events
	EventStoreCapacity int `envconfig:"EVENT_STORE_CAPACITY" default:"100000"`
	EventWorkers       int `envconfig:"EVENT_WORKERS" default:"8"`

	// Workflows
	WorkflowMaxConcurrent      int           `envconfig:"WORKFLOW_MAX_CONCURRENT" default:"64"`
	WorkflowRetention          time.Duration `envconfig:"WORKFLOW_RETENTION" default:"1h"`
	WorkflowDefaultStepTimeout time.Duration `envconfig:"WORKFLOW_DEFAULT_STEP_TIMEOUT" default:"30s"`

	// Module manifest
	ManifestFile string `envconfig:"MANIFEST_FILE"`

	// HTTP health endpoint
	HTTPAddr           string        `envconfig:"COMMS_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Logging and tracing
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	OTelEnabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint string `envconfig:"OTEL_ENDPOINT"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	return &c, nil
}

// ValidateForServe checks required config when running the comms server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.COMMSSubject == "" {
		return fmt.Errorf("%s - COMMS_SUBJECT is required for serve", logPrefix)
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%s - DATABASE_URL is required when STORE_DRIVER=postgres", logPrefix)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("%s - SQLITE_PATH is required when STORE_DRIVER=sqlite", logPrefix)
		}
	default:
		return fmt.Errorf("%s - unknown STORE_DRIVER %q", logPrefix, c.StoreDriver)
	}
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"COMMS_REQUEST_TIMEOUT", c.RequestTimeout},
		{"HEALTH_CHECK_TIMEOUT", c.HealthCheckTimeout},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"BUS_DEFAULT_TIMEOUT", c.BusDefaultTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s - %s must be positive", logPrefix, p.name)
		}
	}
	if c.BusMaxRetries < 0 {
		return fmt.Errorf("%s - BUS_MAX_RETRIES must not be negative", logPrefix)
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		return fmt.Errorf("%s - OTEL_ENDPOINT is required when OTEL_ENABLED=true", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// BusConfig maps the bus settings onto bus.Config.
func (c *Config) BusConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.Workers = c.BusWorkers
	cfg.QueueCapacity = c.BusQueueCapacity
	cfg.DefaultTimeout = c.BusDefaultTimeout
	cfg.MaxRetries = c.BusMaxRetries
	cfg.BackoffInitial = c.BusBackoffInitial
	cfg.BackoffMax = c.BusBackoffMax
	cfg.Breaker = breaker.Config{FailureThreshold: c.BreakerFailureThreshold, ResetTimeout: c.BreakerResetTimeout}
	return cfg
}

// MsgStoreConfig maps the dead-letter settings.
func (c *Config) MsgStoreConfig() msgstore.Config {
	return msgstore.Config{DeadLetterCapacity: c.DeadLetterCapacity}
}

// EventStoreConfig maps the event store settings.
func (c *Config) EventStoreConfig() eventstore.Config {
	cfg := eventstore.DefaultConfig()
	cfg.Capacity = c.EventStoreCapacity
	return cfg
}

// EventBusConfig maps the event bus settings.
func (c *Config) EventBusConfig() eventbus.Config {
	cfg := eventbus.DefaultConfig()
	cfg.Workers = c.EventWorkers
	return cfg
}

// WorkflowConfig maps the workflow engine settings.
func (c *Config) WorkflowConfig() workflow.Config {
	cfg := workflow.DefaultConfig()
	cfg.MaxConcurrent = c.WorkflowMaxConcurrent
	cfg.Retention = c.WorkflowRetention
	cfg.DefaultStepTimeout = c.WorkflowDefaultStepTimeout
	return cfg
}

// HTTPListenAddr returns COMMS_HTTP_ADDR or ":<HTTP_PORT>".
func (c *Config) HTTPListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}
