// Package pipelinefile loads a resolved pipeline document from disk.
//
// Parsing an authoring format — YAML with variables, kit shorthand, and
// templating — is an external collaborator; this package deserializes a
// document whose steps are already fully resolved model.Step values,
// after kit expansion has already happened.
package pipelinefile

import (
	"encoding/json"
	"os"

	"github.com/kilnrun/kiln/internal/errs"
	"github.com/kilnrun/kiln/internal/model"
)

// Document is the on-disk shape of a resolved pipeline file.
type Document struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Steps       []model.Step `json:"steps"`
}

// Load reads and validates a resolved pipeline document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "reading pipeline file %s", path)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "parsing pipeline file %s", path)
	}
	if doc.Name == "" {
		return nil, errs.New(errs.ValidationError, "pipeline file %s: name must not be empty", path)
	}
	seen := make(map[string]bool, len(doc.Steps))
	for _, s := range doc.Steps {
		if seen[s.ID] {
			return nil, errs.New(errs.ValidationError, "pipeline file %s: duplicate step id %q", path, s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}
