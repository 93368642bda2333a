package script

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// Render substitutes params into a protocol template. Unknown parameter
// references are errors so a typo never reaches the robot.
func Render(name, text string, params map[string]float64) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("script: parse %s: %w", name, err)
	}
	data := make(map[string]interface{}, len(params))
	for k, v := range params {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("script: render %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderFile reads a template from disk and renders it.
func RenderFile(path string, params map[string]float64) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("script: read %s: %w", path, err)
	}
	return Render(filepath.Base(path), string(data), params)
}

// ReadFile returns a protocol script verbatim.
func ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("script: read %s: %w", path, err)
	}
	return string(data), nil
}
