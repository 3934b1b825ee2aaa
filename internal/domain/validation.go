package domain

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// validate is the package-level validator instance, initialized lazily.
// A single instance caches struct metadata across calls.
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags on any domain value and wraps failures with
// type context.
func Validate(v any) error {
	if err := validatorInstance().Struct(v); err != nil {
		return fmt.Errorf("domain validation failed for %T: %w", v, err)
	}
	return nil
}
