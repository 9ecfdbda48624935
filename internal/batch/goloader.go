package batch

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"
)

const goDefinitionFuncName = "Batch"

// LoadGoDefinitionFile evaluates a Go source file and builds the batch returned
// by its Batch() (map[string]any, error) function. The map uses the same keys
// as the YAML format, so generated batches go through the same validation.
func LoadGoDefinitionFile(path string) (Definition, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return Definition{}, fmt.Errorf("batch: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return Definition{}, fmt.Errorf("batch: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return Definition{}, fmt.Errorf("batch: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(goDefinitionFuncName)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: %s must define %s() (map[string]any, error): %w", path, goDefinitionFuncName, err)
	}
	raw, callErr := invokeDefinitionFunc(fnValue)
	if callErr != nil {
		return Definition{}, fmt.Errorf("batch: %s: %w", path, callErr)
	}
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: %s: encode definition: %w", path, err)
	}
	def, err := ParseDefinitionYAML(payload)
	if err != nil {
		return Definition{}, fmt.Errorf("batch: %s: %w", path, err)
	}
	return def, nil
}

func invokeDefinitionFunc(fn reflect.Value) (map[string]any, error) {
	if !fn.IsValid() {
		return nil, fmt.Errorf("missing %s function", goDefinitionFuncName)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", goDefinitionFuncName)
	}
	results := fn.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return (map[string]any[, error])", goDefinitionFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", goDefinitionFuncName)
	}
	def, ok := results[0].Interface().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must return map[string]any", goDefinitionFuncName)
	}
	return def, nil
}
