package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var validate = validator.New()

var comparisons = map[string]string{
	"gt":  "greater than",
	"gte": "at least",
	"lt":  "less than",
	"lte": "at most",
}

// Validate checks the `validate` struct tags of config.
func Validate(config interface{}) error {
	return validate.Struct(config)
}

// LogValidationErrors logs one line per failed field, naming the field by its path below the root struct.
func LogValidationErrors(logger *log.Entry, err error) {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		if err != nil {
			logger.WithError(err).Error("Invalid configuration")
		}
		return
	}
	for _, fe := range fieldErrors {
		logger.WithField("field", fieldPath(fe.Namespace())).Error(describe(fe))
	}
}

func describe(fe validator.FieldError) string {
	if fe.Tag() == "required" {
		return "value is required"
	}
	if comparison, ok := comparisons[fe.Tag()]; ok {
		return fmt.Sprintf("value %v must be %s %s", fe.Value(), comparison, fe.Param())
	}
	return fmt.Sprintf("value %v fails the %q check", fe.Value(), fe.Tag())
}

// fieldPath drops the root struct name, e.g. "AgentConfiguration.Job.DriverTimeout" becomes "Job.DriverTimeout".
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return path
}
