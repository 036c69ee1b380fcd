package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput marks input rejected before any store is touched.
var ErrInvalidInput = errors.New("invalid input")

var phonePattern = regexp.MustCompile(`^\+?[0-9]{10,15}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return ValidPhone(fl.Field().String())
		})
	})
	return validate
}

// ValidPhone reports whether phone looks like an E.164-style number once whitespace is removed.
func ValidPhone(phone string) bool {
	return phonePattern.MatchString(strings.Join(strings.Fields(phone), ""))
}

// Normalize trims the free-text fields of the contact.
func (c Contact) Normalize() Contact {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	c.Relationship = strings.TrimSpace(c.Relationship)
	return c
}

// Validate checks the contact's required name and phone number.
func (c Contact) Validate() error {
	return check(c.Normalize())
}

// Validate checks the profile's email and phone formats.
func (u User) Validate() error {
	return check(u)
}

func check(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, strings.ToLower(fe.Field())+" is required")
		case "phone":
			msgs = append(msgs, "please enter a valid phone number")
		case "email":
			msgs = append(msgs, "please enter a valid email address")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(msgs, "; "))
}
