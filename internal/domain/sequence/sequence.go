package sequence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s" style strings from JSON and YAML.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	if d == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if strings.TrimSpace(v) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Definition describes an ordered sequence of work items for one robot.
type Definition struct {
	Name     string     `json:"name" yaml:"name"`
	RobotURL string     `json:"robot_url,omitempty" yaml:"robot_url,omitempty"`
	Defaults Defaults   `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Feedback *Feedback  `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	Items    []WorkItem `json:"items" yaml:"items"`
}

// Defaults apply to items that leave a field unset.
type Defaults struct {
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Feedback configures parameter adjustment between items.
type Feedback struct {
	SensorURL    string            `json:"sensor_url,omitempty" yaml:"sensor_url,omitempty"`
	Adjust       map[string]string `json:"adjust" yaml:"adjust"`
	ApplyToFirst bool              `json:"apply_to_first,omitempty" yaml:"apply_to_first,omitempty"`
}

// WorkItem is one protocol to run. Exactly one of Script, Template,
// Content or TemplateText supplies the protocol text.
type WorkItem struct {
	Name              string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Script            string                 `json:"script,omitempty" yaml:"script,omitempty"`
	Template          string                 `json:"template,omitempty" yaml:"template,omitempty"`
	Content           string                 `json:"content,omitempty" yaml:"content,omitempty"`
	TemplateText      string                 `json:"template_text,omitempty" yaml:"template_text,omitempty"`
	Params            map[string]float64     `json:"params,omitempty" yaml:"params,omitempty"`
	RuntimeParameters map[string]interface{} `json:"runtime_parameters,omitempty" yaml:"runtime_parameters,omitempty"`
	PollInterval      Duration               `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	Timeout           Duration               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Clone returns a deep copy so adjustments never reach the enqueued item.
func (w WorkItem) Clone() WorkItem {
	out := w
	if w.Params != nil {
		out.Params = make(map[string]float64, len(w.Params))
		for k, v := range w.Params {
			out.Params[k] = v
		}
	}
	if w.RuntimeParameters != nil {
		out.RuntimeParameters = make(map[string]interface{}, len(w.RuntimeParameters))
		for k, v := range w.RuntimeParameters {
			out.RuntimeParameters[k] = v
		}
	}
	return out
}

// WithParam returns a copy of w with key set to value.
func (w WorkItem) WithParam(key string, value float64) WorkItem {
	out := w.Clone()
	if out.Params == nil {
		out.Params = make(map[string]float64)
	}
	out.Params[key] = value
	return out
}

// Label names the item for logs and errors.
func (w WorkItem) Label(index int) string {
	if w.Name != "" {
		return w.Name
	}
	switch {
	case w.Script != "":
		return filepath.Base(w.Script)
	case w.Template != "":
		return filepath.Base(w.Template)
	}
	return fmt.Sprintf("item-%d", index)
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Filename is the name the protocol is uploaded under. The robot only
// accepts .py and .json protocol files.
func (w WorkItem) Filename(index int) string {
	base := w.Label(index)
	for _, ext := range []string{".tmpl", ".tpl", ".j2", ".jinja", ".jinja2"} {
		base = strings.TrimSuffix(base, ext)
	}
	base = unsafeFilename.ReplaceAllString(base, "_")
	if strings.HasSuffix(base, ".py") || strings.HasSuffix(base, ".json") {
		return base
	}
	return base + ".py"
}

func (w WorkItem) sources() int {
	n := 0
	for _, s := range []string{w.Script, w.Template, w.Content, w.TemplateText} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

// ParseDefinition decodes a JSON or YAML sequence definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("sequence: definition is empty")
	}
	var def Definition
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, fmt.Errorf("sequence: decode json: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(trimmed, &def); err != nil {
			return nil, fmt.Errorf("sequence: decode yaml: %w", err)
		}
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionFile reads a definition from disk. Relative script and
// template paths are resolved against the file's directory.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sequence: read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("sequence: %s: %w", path, err)
	}
	def.ResolvePaths(filepath.Dir(path))
	return def, nil
}

// ResolvePaths rewrites relative item paths to live under baseDir.
func (d *Definition) ResolvePaths(baseDir string) {
	for i := range d.Items {
		item := &d.Items[i]
		if item.Script != "" && !filepath.IsAbs(item.Script) {
			item.Script = filepath.Join(baseDir, item.Script)
		}
		if item.Template != "" && !filepath.IsAbs(item.Template) {
			item.Template = filepath.Join(baseDir, item.Template)
		}
	}
}

// ValidateDefinition validates a sequence definition.
func ValidateDefinition(def *Definition) error {
	if def == nil {
		return errors.New("sequence: definition is nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		return errors.New("sequence: name is required")
	}
	if len(def.Items) == 0 {
		return errors.New("sequence: items are required")
	}
	if def.Defaults.PollInterval < 0 || def.Defaults.Timeout < 0 {
		return errors.New("sequence: defaults must not be negative")
	}
	for i, item := range def.Items {
		switch item.sources() {
		case 0:
			return fmt.Errorf("sequence: item %d: one of script, template, content or template_text is required", i)
		case 1:
		default:
			return fmt.Errorf("sequence: item %d: only one of script, template, content or template_text may be set", i)
		}
		if item.PollInterval < 0 || item.Timeout < 0 {
			return fmt.Errorf("sequence: item %d: durations must not be negative", i)
		}
	}
	if def.Feedback != nil {
		if len(def.Feedback.Adjust) == 0 {
			return errors.New("sequence: feedback.adjust is required when feedback is set")
		}
		for param, expr := range def.Feedback.Adjust {
			if strings.TrimSpace(param) == "" || strings.TrimSpace(expr) == "" {
				return errors.New("sequence: feedback.adjust entries need a parameter and an expression")
			}
		}
	}
	return nil
}

// WorkItems returns copies of the items with definition defaults applied.
func (d *Definition) WorkItems() []WorkItem {
	items := make([]WorkItem, 0, len(d.Items))
	for _, item := range d.Items {
		c := item.Clone()
		if c.PollInterval == 0 {
			c.PollInterval = d.Defaults.PollInterval
		}
		if c.Timeout == 0 {
			c.Timeout = d.Defaults.Timeout
		}
		items = append(items, c)
	}
	return items
}
