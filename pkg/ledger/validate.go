package ledger

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mcclellann/loanEngine/pkg/loanerr"
	"github.com/shopspring/decimal"
)

func newValidator() *validator.Validate {
	v := validator.New()
	// Money fields are decimals; numeric tags compare their float value.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// check validates a request struct and turns field errors into one invalid_argument error.
func (l *Ledger) check(req interface{}) error {
	err := l.validate.Struct(req)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return loanerr.InvalidArgument("%v", err)
	}

	var errorMessages []string
	for _, e := range validationErrors {
		switch e.Tag() {
		case "required":
			errorMessages = append(errorMessages, "field "+e.Field()+" is required")
		case "gt":
			errorMessages = append(errorMessages, "field "+e.Field()+" must be greater than "+e.Param())
		case "gte":
			errorMessages = append(errorMessages, "field "+e.Field()+" must be at least "+e.Param())
		case "lte":
			errorMessages = append(errorMessages, "field "+e.Field()+" must be at most "+e.Param())
		case "oneof":
			errorMessages = append(errorMessages, "field "+e.Field()+" must be one of "+e.Param())
		default:
			errorMessages = append(errorMessages, "field "+e.Field()+" is invalid")
		}
	}
	return loanerr.InvalidArgument("%s", strings.Join(errorMessages, "; "))
}
