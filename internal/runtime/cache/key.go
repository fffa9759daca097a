package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// KeyInputs is the set of semantic inputs a cache key is derived from
// (prompt, tier, context and so on). Values must be JSON-encodable.
type KeyInputs map[string]any

// Digest computes a deterministic FNV-1a hash of the inputs. json.Marshal
// emits map keys in sorted order, which gives the canonical representation
// the digest depends on; nested maps canonicalize the same way.
func (in KeyInputs) Digest() string {
	h := fnv.New64a()
	payload, err := json.Marshal(in)
	if err != nil {
		// Non-encodable values degrade to their Go syntax representation
		// rather than failing the lookup path.
		payload = []byte(fmt.Sprintf("%#v", in))
	}
	_, _ = h.Write(payload)
	return fmt.Sprintf("%016x", h.Sum64())
}

// BuildKey assembles the stored key as "{namespace}:{category}:{digest}".
func BuildKey(namespace, category string, inputs KeyInputs) string {
	return fmt.Sprintf("%s:%s:%s", namespace, category, inputs.Digest())
}
