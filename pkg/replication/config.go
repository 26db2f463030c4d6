package replication

import (
	"fmt"
	"time"
)

// Config configures the replication engine: queue workers, retry budgets,
// and the daily-batch scheduler.
type Config struct {
	// Enabled turns the replication engine on. A capture-only node
	// leaves it off and never contacts the external archive.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// QueueWorkers is the worker count for the write queue (uploads and
	// deletions).
	// Default: 2
	QueueWorkers int `mapstructure:"queue_workers" validate:"omitempty,min=1,max=32" yaml:"queue_workers"`

	// ReadonlyQueueWorkers is the worker count for the read-only queue
	// (confirmation polls).
	// Default: 2
	ReadonlyQueueWorkers int `mapstructure:"readonly_queue_workers" validate:"omitempty,min=1,max=32" yaml:"readonly_queue_workers"`

	// QueueSize bounds each queue's backlog. Enqueues beyond it are
	// dropped and rediscovered by the next scheduler pass.
	// Default: 1000
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=1" yaml:"queue_size"`

	// SoftTaskTimeLimit bounds each task's context. An upload that
	// overruns it is classified as a timeout and retried under the
	// timeout budget.
	// Default: 10m
	SoftTaskTimeLimit time.Duration `mapstructure:"soft_task_time_limit" yaml:"soft_task_time_limit"`

	// RetryDelay is how long a retried task waits before re-entering
	// its queue.
	// Default: 30s
	RetryDelay time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`

	// StopTimeout bounds queue drain during shutdown.
	// Default: 30s
	StopTimeout time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`

	// RetryForRateLimitingLimit caps tries after rate-limit responses.
	// Zero means unlimited.
	// Default: 10
	RetryForRateLimitingLimit int `mapstructure:"retry_for_rate_limiting_limit" yaml:"retry_for_rate_limiting_limit"`

	// UploadMaxTimeouts caps tries after soft-time-limit overruns.
	// Zero means unlimited.
	// Default: 3
	UploadMaxTimeouts int `mapstructure:"upload_max_timeouts" yaml:"upload_max_timeouts"`

	// RetryForErrorLimit caps tries after unclassified errors. Zero
	// means unlimited.
	// Default: 5
	RetryForErrorLimit int `mapstructure:"retry_for_error_limit" yaml:"retry_for_error_limit"`

	// RetryForConfirmationConnectionError caps confirmation retries
	// after connection failures. Zero means unlimited.
	// Default: 5
	RetryForConfirmationConnectionError int `mapstructure:"retry_for_confirmation_connection_error" yaml:"retry_for_confirmation_connection_error"`

	// StrictBudgets escalates budget exhaustion from a warning to an
	// error log, for deployments that page on errors.
	StrictBudgets bool `mapstructure:"strict_budgets" yaml:"strict_budgets"`

	// MaxSimultaneousUploads caps in-flight tasks summed over all daily
	// items; the scheduler queues no more than the remaining headroom.
	// Default: 100
	MaxSimultaneousUploads int `mapstructure:"max_simultaneous_uploads" validate:"omitempty,min=1" yaml:"max_simultaneous_uploads"`

	// DailyLimit caps uploads queued for any single day per scheduler
	// pass.
	// Default: 100
	DailyLimit int `mapstructure:"daily_limit" validate:"omitempty,min=1" yaml:"daily_limit"`

	// ConfirmationBatchLimit caps confirmation tasks queued per poller
	// pass.
	// Default: 100
	ConfirmationBatchLimit int `mapstructure:"confirmation_batch_limit" validate:"omitempty,min=1" yaml:"confirmation_batch_limit"`

	// SchedulerInterval is the cadence of the upload scheduler and the
	// deletion pass.
	// Default: 5m
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval" yaml:"scheduler_interval"`

	// ConfirmationInterval is the cadence of the confirmation poller.
	// Default: 5m
	ConfirmationInterval time.Duration `mapstructure:"confirmation_interval" yaml:"confirmation_interval"`

	// DateBlocklist lists UTC days (YYYY-MM-DD) the scheduler skips.
	DateBlocklist []string `mapstructure:"date_blocklist" yaml:"date_blocklist,omitempty"`

	// IdentifierBlocklist lists item identifiers the scheduler and
	// poller skip.
	IdentifierBlocklist []string `mapstructure:"identifier_blocklist" yaml:"identifier_blocklist,omitempty"`
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.QueueWorkers == 0 {
		c.QueueWorkers = 2
	}
	if c.ReadonlyQueueWorkers == 0 {
		c.ReadonlyQueueWorkers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.SoftTaskTimeLimit == 0 {
		c.SoftTaskTimeLimit = 10 * time.Minute
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.RetryForRateLimitingLimit == 0 {
		c.RetryForRateLimitingLimit = 10
	}
	if c.UploadMaxTimeouts == 0 {
		c.UploadMaxTimeouts = 3
	}
	if c.RetryForErrorLimit == 0 {
		c.RetryForErrorLimit = 5
	}
	if c.RetryForConfirmationConnectionError == 0 {
		c.RetryForConfirmationConnectionError = 5
	}
	if c.MaxSimultaneousUploads == 0 {
		c.MaxSimultaneousUploads = 100
	}
	if c.DailyLimit == 0 {
		c.DailyLimit = 100
	}
	if c.ConfirmationBatchLimit == 0 {
		c.ConfirmationBatchLimit = 100
	}
	if c.SchedulerInterval == 0 {
		c.SchedulerInterval = 5 * time.Minute
	}
	if c.ConfirmationInterval == 0 {
		c.ConfirmationInterval = 5 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.QueueWorkers < 1 {
		return fmt.Errorf("queue_workers must be at least 1, got %d", c.QueueWorkers)
	}
	if c.ReadonlyQueueWorkers < 1 {
		return fmt.Errorf("readonly_queue_workers must be at least 1, got %d", c.ReadonlyQueueWorkers)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.SoftTaskTimeLimit <= 0 {
		return fmt.Errorf("soft_task_time_limit must be positive, got %v", c.SoftTaskTimeLimit)
	}
	if c.MaxSimultaneousUploads < 1 {
		return fmt.Errorf("max_simultaneous_uploads must be at least 1, got %d", c.MaxSimultaneousUploads)
	}
	if c.DailyLimit < 1 {
		return fmt.Errorf("daily_limit must be at least 1, got %d", c.DailyLimit)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive, got %v", c.SchedulerInterval)
	}
	if c.ConfirmationInterval <= 0 {
		return fmt.Errorf("confirmation_interval must be positive, got %v", c.ConfirmationInterval)
	}
	for _, d := range c.DateBlocklist {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("date_blocklist entry %q is not a YYYY-MM-DD date", d)
		}
	}
	return nil
}

// dateBlocked reports whether the scheduler must skip the given day.
func (c *Config) dateBlocked(date string) bool {
	for _, d := range c.DateBlocklist {
		if d == date {
			return true
		}
	}
	return false
}

// identifierBlocked reports whether an item identifier is blocklisted.
func (c *Config) identifierBlocked(identifier string) bool {
	for _, id := range c.IdentifierBlocklist {
		if id == identifier {
			return true
		}
	}
	return false
}
