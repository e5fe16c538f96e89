package validation

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// schemaFile is the YAML layout of a schema file:
//
//	schemas:
//	  - name: payment_charge
//	    fields:
//	      amount: {type: integer, required: true, min: 1, max: 100000}
//	      currency: {type: string, required: true, enum: [USD, EUR]}
type schemaFile struct {
	Schemas []Schema `yaml:"schemas"`
}

// LoadSchemas decodes every schema in a YAML document. Unknown keys are
// errors. The schemas are not compiled until registered.
func LoadSchemas(r io.Reader) ([]Schema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file schemaFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode schemas: %w", err)
	}
	return file.Schemas, nil
}

// LoadFile reads the schema file at path and registers every schema in it.
func (reg *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open schema file: %w", err)
	}
	defer func() { _ = f.Close() }()

	schemas, err := LoadSchemas(f)
	if err != nil {
		return err
	}
	for _, s := range schemas {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	return nil
}
