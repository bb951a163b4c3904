package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrUnknownStageType is returned when a definition names an unregistered type.
	ErrUnknownStageType = errors.New("unknown stage type")

	// ErrDuplicateStage is returned when two stages of one chain share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
)

// Factory builds a stage from its definition.
type Factory func(ctx context.Context, def Definition, env Env) (Stage, error)

// Registry maps stage type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry is where built-in stages register themselves.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a type twice is a programming error
// and panics.
func (r *Registry) Register(typ string, f Factory) {
	if typ == "" || f == nil {
		panic("pipeline: Register requires a type name and a factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		panic(fmt.Sprintf("pipeline: stage type %q registered twice", typ))
	}
	r.factories[typ] = f
}

// Lookup returns the factory for typ.
func (r *Registry) Lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Build constructs the stage list for a new generation.
//
// Definitions are built in order. When previous holds a Reconfigurable stage
// with the same name and type, that instance is reused instead of being
// rebuilt; its new settings are only prepared. The mandatory stages are
// appended after the configured ones so configuration cannot leave them out.
//
// commit applies the prepared settings to the reused stages. Until it runs,
// previous keeps serving exactly as before, so a caller that fails after
// Build simply drops commit and retires the stages it got back. On failure,
// stages created by this call are closed and previous is left untouched.
func (r *Registry) Build(ctx context.Context, defs []Definition, env Env, previous []Stage, mandatory ...Stage) (stages []Stage, commit func(), err error) {
	reusable := make(map[string]Reconfigurable, len(previous))
	for _, s := range previous {
		if rc, ok := s.(Reconfigurable); ok {
			reusable[rc.Name()] = rc
		}
	}

	seen := make(map[string]struct{}, len(defs)+len(mandatory))
	stages = make([]Stage, 0, len(defs)+len(mandatory))
	var (
		created []Stage
		applies []func()
	)

	fail := func(err error) ([]Stage, func(), error) {
		for _, s := range created {
			_ = closeStage(s)
		}
		return nil, nil, err
	}

	for i, def := range defs {
		if def.Name == "" {
			return fail(fmt.Errorf("stage %d: name is required", i))
		}
		if _, dup := seen[def.Name]; dup {
			return fail(fmt.Errorf("%w: %q", ErrDuplicateStage, def.Name))
		}
		seen[def.Name] = struct{}{}

		if prev, ok := reusable[def.Name]; ok && prev.Type() == def.Type {
			apply, err := prev.Reconfigure(ctx, def, env)
			if err != nil {
				return fail(fmt.Errorf("reconfigure stage %q: %w", def.Name, err))
			}
			if apply != nil {
				applies = append(applies, apply)
			}
			stages = append(stages, prev)
			continue
		}

		factory, ok := r.Lookup(def.Type)
		if !ok {
			return fail(fmt.Errorf("stage %q: %w: %q", def.Name, ErrUnknownStageType, def.Type))
		}

		stage, err := factory(ctx, def, env)
		if err != nil {
			return fail(fmt.Errorf("build stage %q (%s): %w", def.Name, def.Type, err))
		}
		created = append(created, stage)
		stages = append(stages, stage)
	}

	for _, s := range mandatory {
		if s == nil {
			continue
		}
		if _, dup := seen[s.Name()]; dup {
			return fail(fmt.Errorf("%w: %q is reserved by a mandatory stage", ErrDuplicateStage, s.Name()))
		}
		seen[s.Name()] = struct{}{}
		stages = append(stages, s)
	}

	commit = func() {
		for _, apply := range applies {
			apply()
		}
	}
	return stages, commit, nil
}

// Retire closes the stages of previous that are not part of current. Call it
// once the generation that used previous has drained.
func Retire(previous, current []Stage) error {
	keep := make(map[Stage]struct{}, len(current))
	for _, s := range current {
		if hashable(s) {
			keep[s] = struct{}{}
		}
	}

	var errs []error
	for _, s := range previous {
		if hashable(s) {
			if _, ok := keep[s]; ok {
				continue
			}
		}
		if err := closeStage(s); err != nil {
			errs = append(errs, fmt.Errorf("close stage %q: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func closeStage(s Stage) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// hashable reports whether s can be used as a map key. Stages are usually
// pointers; value types holding funcs or slices are not.
func hashable(s Stage) bool {
	return s != nil && reflect.TypeOf(s).Comparable()
}

// DecodeOptions decodes a definition's options into out. Durations accept
// strings such as "250ms", numbers accept strings, and unknown keys are
// rejected.
func DecodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create options decoder: %w", err)
	}
	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode stage options: %w", err)
	}
	return nil
}
