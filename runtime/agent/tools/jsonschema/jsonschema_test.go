package jsonschema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer", "minimum": 0}
	},
	"required": ["name"]
}`

func TestCompileAndValidateAcceptsMatchingPayload(t *testing.T) {
	v, err := Compile([]byte(personSchema))
	require.NoError(t, err)

	issues, err := v.Validate([]byte(`{"name":"ada","age":30}`))
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidateReportsMissingRequiredField(t *testing.T) {
	v, err := Compile([]byte(personSchema))
	require.NoError(t, err)

	issues, err := v.Validate([]byte(`{"age":30}`))
	require.Error(t, err)
	require.NotEmpty(t, issues)
}

func TestValidateReportsInvalidRange(t *testing.T) {
	v, err := Compile([]byte(personSchema))
	require.NoError(t, err)

	_, err = v.Validate([]byte(`{"name":"ada","age":-1}`))
	require.Error(t, err)
}

func TestCompileEmptySchemaAlwaysValidates(t *testing.T) {
	v, err := Compile(nil)
	require.NoError(t, err)

	issues, err := v.Validate([]byte(`{"anything":"goes"}`))
	require.NoError(t, err)
	require.Empty(t, issues)
}

func TestValidateRejectsMalformedPayload(t *testing.T) {
	v, err := Compile([]byte(personSchema))
	require.NoError(t, err)

	issues, err := v.Validate([]byte(`not json`))
	require.Error(t, err)
	require.NotEmpty(t, issues)
}

func TestCompileRejectsInvalidSchema(t *testing.T) {
	_, err := Compile([]byte(`{not valid json`))
	require.Error(t, err)
}
