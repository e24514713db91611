package workflow

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// buildInput derives a step's input from the context document.
func buildInput(doc []byte, mapping map[string]string) (map[string]interface{}, error) {
	if len(mapping) == 0 {
		var all map[string]interface{}
		if err := json.Unmarshal(doc, &all); err != nil {
			return nil, fmt.Errorf("decode context: %w", err)
		}
		return all, nil
	}
	out := make(map[string]interface{}, len(mapping))
	for key, path := range mapping {
		if r := gjson.GetBytes(doc, path); r.Exists() {
			out[key] = r.Value()
		}
	}
	return out, nil
}

// applyOutput merges a step result into the context document.
func applyOutput(doc []byte, stepID string, result map[string]interface{}, mapping map[string]string) ([]byte, error) {
	if len(mapping) == 0 {
		if result == nil {
			result = map[string]interface{}{}
		}
		return sjson.SetBytes(doc, stepID, result)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result of %s: %w", stepID, err)
	}
	targets := make([]string, 0, len(mapping))
	for target := range mapping {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		r := gjson.GetBytes(raw, mapping[target])
		if !r.Exists() {
			continue
		}
		doc, err = sjson.SetRawBytes(doc, target, []byte(r.Raw))
		if err != nil {
			return nil, fmt.Errorf("map %s into %s: %w", mapping[target], target, err)
		}
	}
	return doc, nil
}

func decodeDoc(doc []byte) map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(doc, &out); err != nil || out == nil {
		return map[string]interface{}{}
	}
	return out
}
