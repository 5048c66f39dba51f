package resources

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/goprovision/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("resources schema not found")

	// ErrValidationFailed indicates a resource set failed validation.
	ErrValidationFailed = errors.New("resources validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the offending field, e.g. "/exclusive/0".
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors collects every issue found in one set.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "resources validation failed with %d errors:", len(e))
	for _, err := range e {
		b.WriteString("\n  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// IsValidation reports whether err is a resources validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// Validate checks a set against the embedded schema and rejects a name
// requested in both modes.
func Validate(s Set) error {
	raw := Set{Exclusive: s.Exclusive, Shared: s.Shared}
	if raw.Exclusive == nil {
		raw.Exclusive = []string{}
	}
	if raw.Shared == nil {
		raw.Shared = []string{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("serialize resources for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}

	var errs ValidationErrors
	excl := make(map[string]struct{}, len(s.Exclusive))
	for _, n := range s.Exclusive {
		excl[n] = struct{}{}
	}
	for i, n := range s.Shared {
		if _, ok := excl[n]; ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/shared/%d", i),
				Message: fmt.Sprintf("resource %q is also requested exclusively", n),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRaw checks a JSON document against the resources schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ResourcesSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded resources schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ResourcesSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile resources schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
