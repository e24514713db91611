package discovery

import (
	"sort"
)

// schemaFields returns the field map of a schema.
func schemaFields(schema map[string]interface{}) map[string]interface{} {
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		return props
	}
	if _, typed := schema["type"]; typed {
		return nil
	}
	return schema
}

func schemaType(spec interface{}) string {
	switch s := spec.(type) {
	case string:
		return s
	case map[string]interface{}:
		t, _ := s["type"].(string)
		return t
	}
	return ""
}

// missingFields lists the fields of required that provided lacks or types
// differently, as dotted paths. An empty result means provided is a superset.
func missingFields(provided, required map[string]interface{}) []string {
	var missing []string
	walkSchema("", provided, required, &missing)
	sort.Strings(missing)
	return missing
}

func walkSchema(prefix string, provided, required map[string]interface{}, missing *[]string) {
	have := schemaFields(provided)
	for name, want := range schemaFields(required) {
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		got, ok := have[name]
		if !ok {
			*missing = append(*missing, path)
			continue
		}
		wantType, gotType := schemaType(want), schemaType(got)
		if wantType != "" && gotType != "" && wantType != gotType {
			*missing = append(*missing, path+" (type "+gotType+", want "+wantType+")")
			continue
		}
		wantObj, wok := want.(map[string]interface{})
		gotObj, gok := got.(map[string]interface{})
		if wok && gok && len(schemaFields(wantObj)) > 0 {
			walkSchema(path, gotObj, wantObj, missing)
		}
	}
}
