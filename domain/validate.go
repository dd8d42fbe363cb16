package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := v.RegisterValidation("taskstatus", func(fl validator.FieldLevel) bool {
		return TaskStatus(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	if err := v.RegisterValidation("collabrole", func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Assignable()
	}); err != nil {
		panic(err)
	}
	v.RegisterStructValidation(newBirthdayLevel, NewBirthday{})
	return v
}

func newBirthdayLevel(sl validator.StructLevel) {
	b := sl.Current().Interface().(NewBirthday)
	if b.Month >= 1 && b.Month <= 12 && b.Day >= 1 && !ValidMonthDay(b.Month, b.Day) {
		sl.ReportError(b.Day, "day", "Day", "monthday", "")
	}
	if b.Year.Valid && (b.Year.Int < 1900 || b.Year.Int > time.Now().Year()) {
		sl.ReportError(b.Year, "year", "Year", "year", "")
	}
}

// Validate checks v against its validate tags and converts failures into a
// *ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "email":
		return "must be a valid e-mail address"
	case "hexcolor":
		return "must be a hex color"
	case "taskstatus":
		return "must be one of todo, in-progress, done"
	case "collabrole":
		return "must be editor or viewer"
	case "monthday":
		return "is not a valid day for the month"
	case "year":
		return "is out of range"
	default:
		return "is invalid"
	}
}
