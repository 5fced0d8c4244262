// Package httpjson plugs goccy/go-json into echo's request binding and
// response rendering.
package httpjson

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/medtech/clinic/internal/platform/apperr"
)

// Serializer implements echo.JSONSerializer.
type Serializer struct{}

func (Serializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

// Deserialize rejects unknown fields so that typos in request bodies
// surface as PARSE-001 instead of being ignored.
func (Serializer) Deserialize(c echo.Context, i interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()

	err := dec.Decode(i)
	if err == nil {
		return nil
	}

	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		return apperr.Validation(apperr.CodeParse, "malformed JSON body",
			fmt.Sprintf("field %s: expected %s", typeErr.Field, typeErr.Type))
	case errors.As(err, &syntaxErr):
		return apperr.Validation(apperr.CodeParse, "malformed JSON body",
			fmt.Sprintf("syntax error at offset %d", syntaxErr.Offset))
	}
	return apperr.Validation(apperr.CodeParse, "malformed JSON body", err.Error())
}
