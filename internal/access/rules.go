package access

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed rules.schema.json
var rulesSchema []byte

// ErrInvalidRules wraps every schema violation found in a rules file.
var ErrInvalidRules = errors.New("invalid redaction rules")

// ruleFile mirrors one role entry of the rules file.
type ruleFile struct {
	Scope           string   `koanf:"scope"`
	EntityTypes     []string `koanf:"entity_types"`
	SensitiveFields []string `koanf:"sensitive_fields"`
	MaskAll         bool     `koanf:"mask_all"`
	AnonymizeSource bool     `koanf:"anonymize_source"`
}

// LoadRules reads per-role rules from a YAML file, validates it against the
// embedded schema and returns a Policy. The file must cover every role.
func LoadRules(path string) (*Policy, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load redaction rules %s: %w", path, err)
	}
	return policyFromKoanf(k)
}

// ParseRules is LoadRules for rules already in memory.
func ParseRules(data []byte) (*Policy, error) {
	k := koanf.New(".")
	if err := k.Load(rawBytes(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse redaction rules: %w", err)
	}
	return policyFromKoanf(k)
}

func policyFromKoanf(k *koanf.Koanf) (*Policy, error) {
	if err := validateRules(k.Raw()); err != nil {
		return nil, err
	}

	var parsed map[string]ruleFile
	if err := k.Unmarshal("roles", &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode redaction rules: %w", err)
	}

	rules := make(map[Role]Rule, len(parsed))
	for name, rf := range parsed {
		scope, err := ParseScope(rf.Scope)
		if err != nil {
			return nil, fmt.Errorf("%w: role %s: %v", ErrInvalidRules, name, err)
		}
		rules[Role(name)] = Rule{
			Scope:           scope,
			EntityTypes:     rf.EntityTypes,
			SensitiveFields: rf.SensitiveFields,
			MaskAll:         rf.MaskAll,
			AnonymizeSource: rf.AnonymizeSource,
		}
	}
	return NewPolicy(rules)
}

// validateRules checks the parsed document against the embedded schema.
func validateRules(raw map[string]any) error {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("rules.schema.json", bytes.NewReader(rulesSchema)); err != nil {
		return fmt.Errorf("failed to load rules schema: %w", err)
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return fmt.Errorf("failed to compile rules schema: %w", err)
	}

	// Normalize YAML values into the JSON types the validator expects.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode redaction rules: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode redaction rules: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return fmt.Errorf("%w: %v", ErrInvalidRules, collectCauses(ve))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return nil
}

func collectCauses(ve *jsonschema.ValidationError) []string {
	var msgs []string
	for _, cause := range ve.Causes {
		msgs = append(msgs, collectCauses(cause)...)
	}
	if len(ve.Causes) == 0 {
		msgs = append(msgs, ve.InstanceLocation+": "+ve.Message)
	}
	return msgs
}

// rawBytes is a koanf.Provider over an in-memory document.
type rawBytes []byte

func (b rawBytes) ReadBytes() ([]byte, error) {
	return b, nil
}

func (b rawBytes) Read() (map[string]any, error) {
	return nil, errors.New("rawBytes provider does not support Read")
}
