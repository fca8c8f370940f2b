package configsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// GetParams are the (empty) params of config.get.
type GetParams struct{}

// SchemaParams are the (empty) params of config.schema.
type SchemaParams struct{}

// WriteParams are the params of config.set and config.patch. BaseHash is the
// hash the client last saw from config.get; it is required once the file
// exists.
type WriteParams struct {
	BaseHash string  `json:"baseHash,omitempty" validate:"omitempty,max=128"`
	Raw      *string `json:"raw"                validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeParams decodes a request payload for method. Unknown fields, type
// mismatches and failed constraints are reported as
// "invalid <method> params: ...". An empty payload decodes as the zero value.
func DecodeParams[T any](method string, payload json.RawMessage) (T, error) {
	var out T
	if len(bytes.TrimSpace(payload)) > 0 && !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&out); err != nil {
			return out, invalidParams(method, describeDecodeError(err))
		}
	}
	if err := checkParams(method, &out); err != nil {
		return out, err
	}
	return out, nil
}

func checkParams(method string, params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidParams(method, err.Error())
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, describeFieldError(fe))
	}
	return invalidParams(method, strings.Join(parts, "; "))
}

func invalidParams(method, detail string) *RequestError {
	return invalidRequest(fmt.Sprintf("invalid %s params: %s", method, detail))
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s (%s) required", fe.Field(), typeName(fe.Type()))
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("%s (%s) required", typeErr.Field, typeName(typeErr.Type))
	}
	return err.Error()
}

func typeName(t reflect.Type) string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "value"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "number"
	}
}
