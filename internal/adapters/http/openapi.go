package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	_ "embed"
	"encoding/json"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIOnce sync.Once
	openAPIBase map[string]interface{}
	openAPIErr  error
)

// themeEnumPath locates the allowed values of the {theme} path parameter.
var themeEnumPath = []string{"components", "parameters", "Theme", "schema", "enum"}

func loadOpenAPI() (map[string]interface{}, error) {
	openAPIOnce.Do(func() {
		openAPIErr = yaml.Unmarshal(openAPIYAML, &openAPIBase)
	})
	return openAPIBase, openAPIErr
}

// openAPIDocument returns the API description as JSON. When themes is not
// empty the {theme} parameter is restricted to those names.
func openAPIDocument(themes []string) ([]byte, error) {
	doc, err := loadOpenAPI()
	if err != nil {
		return nil, err
	}
	if len(themes) > 0 {
		doc = withValue(doc, themeEnumPath, themes)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// withValue returns a copy of m with value stored at path. Only the maps
// along path are copied.
func withValue(m map[string]interface{}, path []string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if len(path) == 1 {
		out[path[0]] = value
		return out
	}
	child, _ := m[path[0]].(map[string]interface{})
	out[path[0]] = withValue(child, path[1:], value)
	return out
}
