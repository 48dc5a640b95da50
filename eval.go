package sigma

import "strings"

// GetField is a helper for retreiving nested JSON keys with dot notation
// A literal key containing dots takes precedence over nested lookup
func GetField(key string, data map[string]interface{}) (interface{}, bool) {
	if data == nil {
		return nil, false
	}
	if val, ok := data[key]; ok {
		return val, true
	}
	bits := strings.SplitN(key, ".", 2)
	if len(bits) < 2 {
		return nil, false
	}
	val, ok := data[bits[0]]
	if !ok {
		return nil, false
	}
	switch res := val.(type) {
	case map[string]interface{}:
		return GetField(bits[1], res)
	case DynamicMap:
		return GetField(bits[1], res)
	default:
		return nil, false
	}
}

// DynamicMap is a reference type for implementing sigma Selector on decoded JSON
type DynamicMap map[string]interface{}

// Select implements Selector
func (s DynamicMap) Select(key string) (interface{}, bool) {
	return GetField(key, s)
}

// detectionCache memoizes detection verdicts for a single event
// A detection referenced by several conditions or quantifiers is only evaluated once
type detectionCache struct {
	detections *Detections
	event      Selector
	results    map[string]bool
}

func newDetectionCache(d *Detections, e Selector) *detectionCache {
	return &detectionCache{
		detections: d,
		event:      e,
		results:    make(map[string]bool, d.Len()),
	}
}

// Resolve implements Resolver
func (c *detectionCache) Resolve(name string) bool {
	if res, ok := c.results[name]; ok {
		return res
	}
	res := c.detections.Match(name, c.event)
	c.results[name] = res
	return res
}
