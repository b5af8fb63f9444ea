package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema.json
var schemaJSON []byte

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiledSchema, compileErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return compiledSchema, compileErr
}

func validate(doc any) (*gojsonschema.Result, error) {
	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding config document: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return result, nil
}

// SchemaErrors validates a decoded config document against the config
// schema and describes every violation. Unknown keys and wrong types are
// reported here; checks spanning several fields are left to ValidateConfig.
func SchemaErrors(doc any) ([]string, error) {
	result, err := validate(doc)
	if err != nil || result.Valid() {
		return nil, err
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs, nil
}

// ValidateSchema reports the first schema violation as a ValidationError.
func ValidateSchema(doc any) error {
	result, err := validate(doc)
	if err != nil || result.Valid() {
		return err
	}
	first := result.Errors()[0]
	return ValidationError{Field: first.Field(), Message: first.Description()}
}
