package ivm

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/json"
)

// getState decodes the JSON value stored under key into out.
func getState(s Storage, key string, out any) bool {
	b, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(b, out); err != nil {
		panic(newInvariantError(ErrInvalidState, "key %s: %s", key, err))
	}
	return true
}

func setState(s Storage, key string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(newInvariantError(ErrInvalidState, "key %s: %s", key, err))
	}
	s.Set(key, b)
}

// storageKey encodes a list of values as a JSON array.
func storageKey(parts ...Value) string {
	b, err := json.Marshal(parts)
	if err != nil {
		panic(newInvariantError(ErrInvalidState, "cannot encode key %v: %s", parts, err))
	}
	return string(b)
}

// storagePrefix encodes a list of values as an open JSON array, so that the key of a longer list
// starting with the same values has it as a prefix.
func storagePrefix(parts ...Value) string {
	return strings.TrimSuffix(storageKey(parts...), "]") + ","
}
