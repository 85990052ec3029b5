package config

import (
	"fmt"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	// TICK_INTERVAL must be a valid duration
	if cfg.TickIntervalStr != "" {
		d, err := time.ParseDuration(cfg.TickIntervalStr)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
		} else if d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "TICK_INTERVAL",
				Message: "must be positive",
			})
		}
	}

	// DISPLAY_TZ must name a loadable IANA zone
	if cfg.DisplayTimezone != "" {
		if _, err := time.LoadLocation(cfg.DisplayTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "DISPLAY_TZ",
				Message: fmt.Sprintf("unknown timezone %q", cfg.DisplayTimezone),
			})
		}
	}

	// DISPLAY_CLOCK must be "12" or "24"
	if cfg.DisplayClock != "" && cfg.DisplayClock != "12" && cfg.DisplayClock != "24" {
		errs = append(errs, ValidationError{
			Field:   "DISPLAY_CLOCK",
			Message: fmt.Sprintf("must be '12' or '24', got %q", cfg.DisplayClock),
		})
	}

	// LOG_LEVEL must be one zerolog understands
	switch cfg.LogLevel {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "LOG_LEVEL",
			Message: fmt.Sprintf("must be trace, debug, info, warn or error, got %q", cfg.LogLevel),
		})
	}

	// LOG_FORMAT must be "console" or "json"
	if cfg.LogFormat != "" && cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, ValidationError{
			Field:   "LOG_FORMAT",
			Message: fmt.Sprintf("must be 'console' or 'json', got %q", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
