package rules

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/openfroyo/rules/pkg/config"
)

// Document is the model declarative rules run against: a JSON-like object
// shared by every rule of a run. It is safe for concurrent use.
type Document struct {
	mu   sync.RWMutex
	data map[string]interface{}
}

// NewDocument wraps data. Values are normalized to the types scripts
// produce (int64, float64, string, bool, []interface{} and nested maps).
func NewDocument(data map[string]interface{}) (*Document, error) {
	normalized, err := normalize(data)
	if err != nil {
		return nil, err
	}
	return &Document{data: normalized}, nil
}

// Get returns the value stored under key.
func (d *Document) Get(key string) (interface{}, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	return v, ok
}

// Set stores value under key.
func (d *Document) Set(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = value
}

// Keys returns the top-level keys, sorted.
func (d *Document) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the top-level map. Nested values are shared
// and must not be modified.
func (d *Document) Snapshot() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]interface{}, len(d.data))
	for k, v := range d.data {
		out[k] = v
	}
	return out
}

// apply writes the top-level keys that differ between before and after and
// drops keys after no longer has. Keys a script left alone are not touched,
// so concurrent rules writing different keys do not overwrite each other.
func (d *Document) apply(before, after map[string]interface{}) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var changed []string
	for k, v := range after {
		if old, ok := before[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		d.data[k] = v
		changed = append(changed, k)
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			delete(d.data, k)
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// MarshalJSON encodes the document as a JSON object.
func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(d.data)
}

// normalize round-trips data through the Starlark conversion so values
// compare equal to what a script hands back.
func normalize(data map[string]interface{}) (map[string]interface{}, error) {
	if data == nil {
		return make(map[string]interface{}), nil
	}
	sv, err := config.ToStarlarkValue(data)
	if err != nil {
		return nil, err
	}
	v, err := config.FromStarlarkValue(sv)
	if err != nil {
		return nil, err
	}
	return v.(map[string]interface{}), nil
}
