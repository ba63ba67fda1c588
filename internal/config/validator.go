package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "port_pool.start")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all validation
// errors found, or nil if the configuration is usable.
func (c *Config) Validate() error {
	var errs ValidationErrors

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validatePorts()...)
	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateWorker()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (c *Config) validateServer() []ValidationError {
	var errs []ValidationError
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 1 and 65535",
		})
	}
	return errs
}

func (c *Config) validatePorts() []ValidationError {
	var errs []ValidationError
	if c.Ports.Start < 1 || c.Ports.Start > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port_pool.start",
			Value:   c.Ports.Start,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Ports.End < 1 || c.Ports.End > 65535 {
		errs = append(errs, ValidationError{
			Field:   "port_pool.end",
			Value:   c.Ports.End,
			Message: "must be between 1 and 65535",
		})
	}
	if c.Ports.End < c.Ports.Start {
		errs = append(errs, ValidationError{
			Field:   "port_pool.end",
			Value:   c.Ports.End,
			Message: "must not be less than port_pool.start",
		})
	}
	if c.Server.Port >= c.Ports.Start && c.Server.Port <= c.Ports.End {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must not fall inside the worker port pool",
		})
	}
	return errs
}

func (c *Config) validateSession() []ValidationError {
	var errs []ValidationError

	positive := []struct {
		field string
		value int
	}{
		{"session.idle_timeout_seconds", c.Session.IdleTimeoutSeconds},
		{"session.ready_timeout_seconds", c.Session.ReadyTimeoutSeconds},
		{"session.send_timeout_seconds", c.Session.SendTimeoutSeconds},
		{"session.receive_timeout_seconds", c.Session.ReceiveTimeoutSeconds},
		{"session.sweep_interval_seconds", c.Session.SweepIntervalSeconds},
		{"session.stop_grace_seconds", c.Session.StopGraceSeconds},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must be positive",
			})
		}
	}

	if c.Session.MaxSessionsPerOwner < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_sessions_per_owner",
			Value:   c.Session.MaxSessionsPerOwner,
			Message: "must be zero (unlimited) or positive",
		})
	}
	return errs
}

func (c *Config) validateWorker() []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(c.Worker.Command) == "" {
		errs = append(errs, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "must not be empty",
		})
	}
	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError
	valid := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !slices.Contains(valid, strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of %s", strings.Join(valid, ", ")),
		})
	}
	return errs
}
