package ingest

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/salesrecon/internal/model"
)

// Validate is the validator shared by ingest and the HTTP API. Decimal
// fields are validated through their string form.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	_ = v.RegisterValidation("taxid", func(fl validator.FieldLevel) bool {
		return model.ValidTaxID(model.NormalizeTaxID(fl.Field().String()))
	})
	_ = v.RegisterValidation("dgte0", decimalCheck(func(d decimal.Decimal) bool { return !d.IsNegative() }))
	_ = v.RegisterValidation("dgt0", decimalCheck(decimal.Decimal.IsPositive))
	return v
}

func decimalCheck(ok func(decimal.Decimal) bool) validator.Func {
	return func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && ok(d)
	}
}

// Check validates s and flattens field errors into one ErrValidation.
func Check(s any) error {
	err := Validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return eris.Wrap(err, "ingest: validate")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return eris.Wrap(model.ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "taxid":
		return fe.Field() + " is not a valid tax id"
	case "dgte0":
		return fe.Field() + " must not be negative"
	case "dgt0":
		return fe.Field() + " must be greater than zero"
	}
	return fe.Field() + " failed " + fe.Tag()
}
