package mcpserver

import (
	"strings"

	"ploinky/internal/errs"
)

// matchResource finds the ResourceDef whose URI template matches uri and
// extracts its "{param}" placeholders into a map suitable as tool input,
// per §4.J "Resources".
func matchResource(defs []ResourceDef, uri string) (*ResourceDef, map[string]any, error) {
	for i := range defs {
		if values, ok := matchTemplate(defs[i].URITemplate, uri); ok {
			return &defs[i], values, nil
		}
	}
	return nil, nil, errs.New(errs.NotFound, "no resource matches uri "+uri)
}

// matchTemplate matches uri against a template like
// "logs://{agent}/{date}" and returns the bound placeholder values.
func matchTemplate(template, uri string) (map[string]any, bool) {
	tParts := strings.Split(template, "/")
	uParts := strings.Split(uri, "/")
	if len(tParts) != len(uParts) {
		return nil, false
	}
	values := map[string]any{}
	for i, tp := range tParts {
		up := uParts[i]
		if strings.HasPrefix(tp, "{") && strings.HasSuffix(tp, "}") {
			name := strings.TrimSuffix(strings.TrimPrefix(tp, "{"), "}")
			values[name] = up
			continue
		}
		if tp != up {
			return nil, false
		}
	}
	return values, true
}
