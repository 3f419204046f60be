package output

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate *validator.Validate
	once     sync.Once
)

func getValidator() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// validateStruct checks struct tags and reports every failing field in one
// UsageError.
func validateStruct(s interface{}) error {
	err := getValidator().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return Errorf(KindUsage, "validation failed").WithCause(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msg := e.Namespace() + ": " + e.Tag()
		if e.Param() != "" {
			msg += "=" + e.Param()
		}
		msgs = append(msgs, msg)
	}
	return Errorf(KindUsage, "invalid configuration: %s", strings.Join(msgs, "; "))
}
