package patch

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
	schemaErr  error
)

func patchSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := root.Err(); err != nil {
			schemaErr = fmt.Errorf("compile patch schema: %w", err)
			return
		}
		schemaVal = root.LookupPath(cue.ParsePath("#Patch"))
		if err := schemaVal.Err(); err != nil {
			schemaErr = fmt.Errorf("lookup #Patch: %w", err)
		}
	})
	return schemaVal, schemaErr
}

// ValidateDocument checks raw patch bytes against the embedded schema.
// It returns all schema violations joined into one error so the caller
// sees every problem in a single pass.
func ValidateDocument(doc []byte) error {
	schema, err := patchSchema()
	if err != nil {
		return err
	}
	if err := cuejson.Validate(doc, schema); err != nil {
		return fmt.Errorf("patch schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// Decode validates and unmarshals a patch document. Validation runs
// first: a structurally invalid document never reaches the applier.
func Decode(doc []byte) (*Patch, error) {
	if err := ValidateDocument(doc); err != nil {
		return nil, err
	}
	var p Patch
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	return &p, nil
}

// UnmarshalJSON parses created_at from RFC 3339 text, matching the
// canonical encoder.
func (p *Patch) UnmarshalJSON(data []byte) error {
	type raw struct {
		Version   int    `json:"version"`
		Author    string `json:"author"`
		Branch    string `json:"branch"`
		CreatedAt string `json:"created_at"`
		Nodes     []Node `json:"nodes"`
		Edges     []Edge `json:"edges"`
	}
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	created, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	*p = Patch{
		Version:   r.Version,
		Author:    r.Author,
		Branch:    r.Branch,
		CreatedAt: created,
		Nodes:     r.Nodes,
		Edges:     r.Edges,
	}
	return nil
}
