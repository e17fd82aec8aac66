package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	validate.RegisterValidation("env", validateEnvironment)
	validate.RegisterStructValidation(validateStorage, StorageConfig{})
	validate.RegisterStructValidation(validateSignal, SignalConfig{})
	validate.RegisterStructValidation(validateTracing, TracingConfig{})
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs validation and returns detailed errors.
func ValidateWithDetails(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var details ValidationErrors
			for _, fe := range validationErrors {
				details = append(details, ConfigError{
					Field:   fe.Namespace(),
					Message: formatValidationError(fe),
					Value:   fe.Value(),
				})
			}
			return details
		}
		return err
	}
	return nil
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "required_for":
		return fmt.Sprintf("this field is required when type is %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	env := fl.Field().String()
	validEnvs := []string{"development", "staging", "production"}
	for _, valid := range validEnvs {
		if env == valid {
			return true
		}
	}
	return false
}

func validateStorage(sl validator.StructLevel) {
	s := sl.Current().Interface().(StorageConfig)
	switch s.Type {
	case "badger":
		if strings.TrimSpace(s.Badger.Path) == "" {
			sl.ReportError(s.Badger.Path, "Badger.Path", "Path", "required_for", s.Type)
		}
	case "postgres":
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			sl.ReportError(s.Postgres.DSN, "Postgres.DSN", "DSN", "required_for", s.Type)
		}
	}
}

func validateSignal(sl validator.StructLevel) {
	s := sl.Current().Interface().(SignalConfig)
	if s.Type == "redis" && strings.TrimSpace(s.Redis.Address) == "" {
		sl.ReportError(s.Redis.Address, "Redis.Address", "Address", "required_for", s.Type)
	}
}

func validateTracing(sl validator.StructLevel) {
	t := sl.Current().Interface().(TracingConfig)
	if !t.Enabled {
		return
	}
	if strings.TrimSpace(t.Exporter) == "" {
		sl.ReportError(t.Exporter, "Exporter", "Exporter", "required", "")
	}
	if strings.TrimSpace(t.Endpoint) == "" {
		sl.ReportError(t.Endpoint, "Endpoint", "Endpoint", "required", "")
	}
	if t.Timeout <= 0 {
		sl.ReportError(t.Timeout, "Timeout", "Timeout", "gt", "0")
	}
}
