package payload

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid payload")

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
	return v
}

// Validate checks the payload's shape. The error lists every
// offending field by its JSON name.
func Validate(p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	var problems []string
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, fmt.Sprintf(
				"%s failed %s", trimRoot(fe.Namespace()), fe.Tag(),
			))
		}
	}
	if o, ok := p.(Order); ok {
		for i, it := range o.Items {
			if it.UnitPrice.IsNegative() {
				problems = append(problems, fmt.Sprintf(
					"items[%d].unitPrice is negative", i,
				))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf(
			"%w: %s", ErrInvalid, strings.Join(problems, "; "),
		)
	}
	return nil
}

// trimRoot drops the struct name from a validator namespace
// ("Order.items[0].productId" -> "items[0].productId").
func trimRoot(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
