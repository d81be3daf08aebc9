package kindreg

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cam-modernize/learning-control-plane/internal/apierr"
	"github.com/cam-modernize/learning-control-plane/internal/canonical"
)

// ValidatorCache compiles and caches JSON Schema validators, keyed by
// "kind@version#sha256(canonical(schema))" so a schema edit invalidates only the
// entries it actually changed. If the compiler cannot be constructed for a schema
// (malformed input) the cache degrades to no-op validation for that entry and logs
// once, per spec.
type ValidatorCache struct {
	mu         sync.Mutex
	validators map[string]*jsonschema.Schema
	degraded   map[string]bool
}

// NewValidatorCache returns an empty cache.
func NewValidatorCache() *ValidatorCache {
	return &ValidatorCache{
		validators: make(map[string]*jsonschema.Schema),
		degraded:   make(map[string]bool),
	}
}

func cacheKey(kindID, version string, schemaHash string) string {
	return fmt.Sprintf("%s@%s#%s", kindID, version, schemaHash)
}

// compile compiles (or returns the cached) validator for the given kind/version/schema.
func (c *ValidatorCache) compile(kindID, version string, schema map[string]any) (*jsonschema.Schema, string, error) {
	schemaJSON, err := canonical.JSON(schema)
	if err != nil {
		return nil, "", err
	}
	hash := canonical.SHA256(schemaJSON)
	key := cacheKey(kindID, version, hash)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.validators[key]; ok {
		return v, key, nil
	}
	if c.degraded[key] {
		return nil, key, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://kindreg/" + strings.ReplaceAll(key, "#", "/")
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		c.degraded[key] = true
		log.Warn().Err(err).Str("validator", key).Msg("kind registry: schema not loadable, validation degraded to no-op")
		return nil, key, nil
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		c.degraded[key] = true
		log.Warn().Err(err).Str("validator", key).Msg("kind registry: schema not compilable, validation degraded to no-op")
		return nil, key, nil
	}
	c.validators[key] = compiled
	return compiled, key, nil
}

// Invalidate drops every cached validator. Nothing in this repository calls it, so
// registry ETag changes do not clear the cache; an edited schema still gets a fresh
// validator because its hash is part of the cache key.
func (c *ValidatorCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validators = make(map[string]*jsonschema.Schema)
	c.degraded = make(map[string]bool)
}

// Validate compiles (if needed) and runs the validator for (kindID, version, schema)
// against data, returning a *apierr.SchemaValidation on the first failure. A nil
// schema or a validator that failed to compile degrades to a no-op pass.
func (c *ValidatorCache) Validate(kindID, version string, schema map[string]any, data map[string]any) error {
	if schema == nil {
		return nil
	}
	validator, _, err := c.compile(kindID, version, schema)
	if err != nil {
		return err
	}
	if validator == nil {
		return nil // degraded: no validator library usable for this schema
	}
	if err := validator.Validate(data); err != nil {
		msg, pointer := firstValidationError(err)
		return &apierr.SchemaValidation{Kind: kindID, Message: msg, Pointer: pointer}
	}
	return nil
}

// firstValidationError extracts the first leaf error message and its JSON pointer
// path from a jsonschema.ValidationError tree.
func firstValidationError(err error) (string, string) {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error(), ""
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	pointer := "/" + strings.Join(leaf.InstanceLocation, "/")
	return leaf.Message, pointer
}
