package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/docquarry/quarry/pkg/pipeline"
)

// ContextPlaceholder is replaced by the assembled context in the user
// message template.
const ContextPlaceholder = "{{CONTEXT}}"

// Prompts is what a generator produces for one run.
type Prompts struct {
	System       string
	UserTemplate string // must contain ContextPlaceholder
}

// Generator builds prompts from resolved variables and an optional custom
// user prompt. Generators must be pure: same inputs, same prompts.
type Generator func(vars map[string]interface{}, customPrompt string) (Prompts, error)

// Kit bundles everything template execution needs from code: the prompt
// generator, the output schema, and template-specific domain checks.
type Kit struct {
	Generate Generator
	Schema   map[string]interface{}
	Check    DomainCheck
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Kit{}
)

// RegisterKit installs a kit under the key templates reference. Called
// from init or startup wiring; duplicate keys panic because they indicate
// a programming error.
func RegisterKit(key string, kit Kit) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("workflow generator %q registered twice", key))
	}
	registry[key] = kit
}

// KitFor resolves a template's kit. A missing kit is a non-retryable
// configuration error.
func KitFor(key string) (Kit, error) {
	registryMu.RLock()
	kit, ok := registry[key]
	registryMu.RUnlock()
	if !ok {
		return Kit{}, pipeline.Fail("prepare_context", pipeline.ErrConfiguration,
			fmt.Errorf("no prompt generator registered for %q", key))
	}
	return kit, nil
}

// BuildUserMessage substitutes the assembled context into the template.
func BuildUserMessage(prompts Prompts, assembled string) (string, error) {
	if !strings.Contains(prompts.UserTemplate, ContextPlaceholder) {
		return "", pipeline.Fail("generate_artifact", pipeline.ErrTemplate,
			fmt.Errorf("user template missing %s placeholder", ContextPlaceholder))
	}
	return strings.ReplaceAll(prompts.UserTemplate, ContextPlaceholder, assembled), nil
}
