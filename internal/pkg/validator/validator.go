package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/swiftline/escrow-api/internal/pkg/phone"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func oneOf(values ...string) validator.Func {
	return func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		for _, allowed := range values {
			if v == allowed {
				return true
			}
		}
		return false
	}
}

func registerCustomValidations() {
	validate.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		_, err := phone.Normalize(fl.Field().String())
		return err == nil
	})
	validate.RegisterValidation("otp_purpose", oneOf("LOGIN", "REGISTRATION", "PASSWORD_RESET", "VERIFICATION", "DELIVERY_CONFIRMATION"))
	validate.RegisterValidation("favor", oneOf("BUYER", "SELLER"))
	validate.RegisterValidation("payment_method", oneOf("MPESA", "AIRTEL_MONEY", "CARD"))
	validate.RegisterValidation("payout_provider", oneOf("MPESA", "AIRTEL_MONEY"))
	validate.RegisterValidation("party_role", oneOf("seller", "buyer", ""))
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": "Invalid request"}
	}

	errors := make(map[string]string)
	for _, err := range validationErrors {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gt", "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "len":
			errors[field] = "Value must have length " + err.Param()
		case "numeric":
			errors[field] = "Value must be numeric"
		case "msisdn":
			errors[field] = "Invalid phone number. Use 2547XXXXXXXX or 07XXXXXXXX"
		case "otp_purpose":
			errors[field] = "Invalid purpose"
		case "favor":
			errors[field] = "Invalid favor. Must be: BUYER or SELLER"
		case "payment_method":
			errors[field] = "Invalid payment method. Must be: MPESA, AIRTEL_MONEY, or CARD"
		case "party_role":
			errors[field] = "Invalid role. Must be: seller or buyer"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
