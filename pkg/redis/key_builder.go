package redis

import (
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention:
// namespace:context:entity[:id]. Namespace and context are normalised to lower
// case; entity ids are kept verbatim because nonces and connection ids are
// case-sensitive.
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(parts ...string) string {
	all := make([]string, 0, len(parts)+2)
	all = append(all, kb.namespace)
	if kb.context != "" {
		all = append(all, kb.context)
	}
	for _, p := range parts {
		if p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, ":")
}
