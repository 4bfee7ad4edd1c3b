package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/pmfs/internal/bytesize"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("pow2", validatePowerOfTwo)
	})
	return validate
}

// validatePowerOfTwo accepts unsigned fields holding a non-zero power of two.
func validatePowerOfTwo(fl validator.FieldLevel) bool {
	field := fl.Field()
	switch field.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return bytesize.ByteSize(field.Uint()).IsPowerOfTwo()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := field.Int()
		return n > 0 && n&(n-1) == 0
	default:
		return false
	}
}

// Validate checks the configuration against the struct tags plus the rules
// that span several fields.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if cfg.Pool.Backend == BackendBadger && cfg.Pool.Capacity > 0 {
		return fmt.Errorf("invalid configuration: pool.capacity is only supported by the %s backend", BackendMemory)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("invalid configuration: metrics.port is required when metrics are enabled")
	}

	return nil
}
