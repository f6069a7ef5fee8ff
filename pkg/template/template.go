// Package template renders the string values of workflow step params against
// the data of the run executing them.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

const delimiter = "{{"

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"json": func(v any) (string, error) {
		data, err := json.Marshal(v)

		return string(data), err
	},
}

// NeedsRendering reports whether s carries a template action.
func NeedsRendering(s string) bool {
	return strings.Contains(s, delimiter)
}

func parse(templateStr string) (*template.Template, error) {
	tmpl, err := template.New("param").Funcs(funcs).Option("missingkey=error").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	return tmpl, nil
}

// Render executes templateStr against data. The output is decoded as a JSON
// object or array, a number or a boolean when it reads as one; otherwise the
// string is returned.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := parse(templateStr)
	if err != nil {
		return nil, err
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var decoded any

		err := json.Unmarshal([]byte(result), &decoded)
		if err != nil {
			return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
		}

		return decoded, nil
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// RenderParams returns a copy of params with every templated string, at any
// depth, replaced by its rendered value. params itself is not modified.
func RenderParams(params map[string]any, data any) (map[string]any, error) {
	rendered, err := renderValue(params, data)
	if err != nil {
		return nil, err
	}

	out, _ := rendered.(map[string]any)

	return out, nil
}

func renderValue(value any, data any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsRendering(v) {
			return v, nil
		}

		return Render(v, data)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}

// Check parses every templated string in params without executing it.
func Check(params map[string]any) error {
	return checkValue(params)
}

func checkValue(value any) error {
	switch v := value.(type) {
	case string:
		if !NeedsRendering(v) {
			return nil
		}

		_, err := parse(v)

		return err
	case map[string]any:
		for key, item := range v {
			err := checkValue(item)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	case []any:
		for i, item := range v {
			err := checkValue(item)
			if err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}

	return nil
}
