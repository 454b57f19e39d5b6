// Package validation checks descriptor and configuration structs against
// their `validate` tags using go-playground/validator.
//
// Field paths in messages use the yaml (or mapstructure) names so that an
// operator can find the offending key in the file they wrote:
//
//	metadata.name: required
//	spec.containers[0].image: required
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(fieldName)
	})
	return validate
}

// fieldName prefers the yaml name, then the mapstructure name.
func fieldName(f reflect.StructField) string {
	for _, tag := range []string{"yaml", "mapstructure", "json"} {
		name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
	}
	return f.Name
}

// Struct validates v and flattens field errors into one error.
func Struct(v interface{}) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Var validates a single value against a tag expression.
func Var(v interface{}, tag string) error {
	return instance().Var(v, tag)
}

func describe(fe validator.FieldError) string {
	// Drop the root struct name from the namespace.
	path := fe.Namespace()
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: %s=%s", path, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: %s", path, fe.Tag())
}
