package models

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// Report json field names in errors.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks v against its struct tags and returns a single error
// listing every failing field, or nil.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid %s: %s", reflect.Indirect(reflect.ValueOf(v)).Type().Name(), strings.Join(fields, ", "))
}

// Normalize trims surrounding whitespace from the create payload.
func (n NewBookmark) Normalize() NewBookmark {
	return NewBookmark{Title: strings.TrimSpace(n.Title), URL: strings.TrimSpace(n.URL)}
}
