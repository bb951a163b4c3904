package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/stages"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Struct tags cover field-level constraints; validateCustomRules covers the
// cross-field rules (stage names, stage types, store references).
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if !cfg.Adapters.UDP.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	stages.RegisterDefault()

	names := make(map[string]bool, len(cfg.Adapters.UDP.Stages))
	for i, def := range cfg.Adapters.UDP.Stages {
		if names[def.Name] {
			return fmt.Errorf("adapters.udp.stages[%d]: duplicate stage name %q", i, def.Name)
		}
		names[def.Name] = true

		if _, ok := pipeline.DefaultRegistry.Lookup(def.Type); !ok {
			return fmt.Errorf("adapters.udp.stages[%d]: unknown stage type %q (known: %v)",
				i, def.Type, pipeline.DefaultRegistry.Types())
		}

		if err := validateStoreReference(cfg, i, def); err != nil {
			return err
		}
	}

	return nil
}

// validateStoreReference checks that kv and archive stages name a declared backend.
func validateStoreReference(cfg *Config, i int, def pipeline.Definition) error {
	ref := stages.DefaultStore
	if s, ok := def.Options["store"].(string); ok && s != "" {
		ref = s
	}

	switch def.Type {
	case stages.TypeKV:
		if _, ok := cfg.KV.Stores[ref]; !ok {
			return fmt.Errorf("adapters.udp.stages[%d]: kv store %q is not declared under kv.stores", i, ref)
		}
	case stages.TypeArchive:
		if _, ok := cfg.Archive.Stores[ref]; !ok {
			return fmt.Errorf("adapters.udp.stages[%d]: archiver %q is not declared under archive.stores", i, ref)
		}
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
