package auth

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"school-backend/internal/security"
)

const (
	notBlankTag    = "notblank"
	phoneTag       = "phone"
	passwordLenTag = "passwordlen"
)

var phoneRegex = regexp.MustCompile(`^\+?[0-9]{3,15}$`)

// requestValidator validates decoded request bodies and renders field errors
// keyed by their JSON names.
type requestValidator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func newRequestValidator() *requestValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())

	english := en.New()
	uni := ut.New(english, english)
	translator, _ := uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterValidation(phoneTag, func(fl validator.FieldLevel) bool {
		return phoneRegex.MatchString(normalizePhone(fl.Field().String()))
	})

	_ = validate.RegisterValidation(passwordLenTag, func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= security.MaxPasswordBytes
	})

	noop := func(ut.Translator) error { return nil }
	for _, tag := range []string{notBlankTag, phoneTag, passwordLenTag} {
		_ = validate.RegisterTranslation(tag, translator, noop, translateCustomTag)
	}

	return &requestValidator{validate: validate, translator: translator}
}

func translateCustomTag(_ ut.Translator, fe validator.FieldError) string {
	switch fe.Tag() {
	case notBlankTag:
		return fe.Field() + " cannot be blank"
	case phoneTag:
		return fe.Field() + " must be a valid phone number"
	case passwordLenTag:
		return fmt.Sprintf("%s must be at most %d bytes", fe.Field(), security.MaxPasswordBytes)
	default:
		return fe.Field() + " is invalid"
	}
}

// Struct returns nil or a map of field name to message.
func (v *requestValidator) Struct(body any) map[string]string {
	err := v.validate.Struct(body)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return map[string]string{"body": "invalid request"}
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Field()] = fe.Translate(v.translator)
	}
	return fields
}
