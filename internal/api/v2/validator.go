package api

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/errors"
)

// Validator adapts go-playground/validator to echo.Validator.
type Validator struct {
	validate *validator.Validate
}

// NewValidator reports field errors under their JSON names.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate returns a validation category error listing every failed field.
func (v *Validator) Validate(i any) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errors.New(err).Component("api").Category(errors.CategoryValidation).Build()
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.ValidationError(strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// bind decodes the request body into dst and validates it.
func bind(ctx echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindBody(ctx, dst); err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "bind_body").
			Build()
	}
	return ctx.Validate(dst)
}

// bindQuery decodes query parameters into dst.
func bindQuery(ctx echo.Context, dst any) error {
	if err := (&echo.DefaultBinder{}).BindQueryParams(ctx, dst); err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "bind_query").
			Build()
	}
	return nil
}

// uintParam parses a positive numeric path parameter.
func uintParam(ctx echo.Context, name string) (uint, error) {
	raw := ctx.Param(name)
	n, err := strconv.ParseUint(raw, 10, 0)
	if err != nil || n == 0 {
		return 0, errors.ValidationError(fmt.Sprintf("%s must be a positive integer, got %q", name, raw))
	}
	return uint(n), nil
}

// intParam parses a non-negative numeric path parameter.
func intParam(ctx echo.Context, name string) (int, error) {
	raw := ctx.Param(name)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.ValidationError(fmt.Sprintf("%s must be a non-negative integer, got %q", name, raw))
	}
	return n, nil
}
