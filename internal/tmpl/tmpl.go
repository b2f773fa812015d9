// Package tmpl implements the flat mustache-style template expander
// (component C5): `{{ name }}` substitutes the stringified value of a
// named field from a per-frame environment. There are no dot paths, no
// actions, and no control flow — a deliberately narrower grammar than
// text/template, so this package is built on fasttemplate instead.
package tmpl

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/arelio/slipbridge/internal/catalog"
)

// ErrTemplateRender is the sentinel wrapped by every render failure,
// most commonly a template referencing a field name absent from the
// environment.
var ErrTemplateRender = errors.New("tmpl: render error")

// Expand substitutes every `{{ name }}` occurrence in template with
// env[name]. Names are matched after trimming surrounding whitespace.
// A reference to a name absent from env fails the whole render.
func Expand(template string, env map[string]string) (string, error) {
	t, err := fasttemplate.NewTemplate(template, "{{", "}}")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTemplateRender, err)
	}

	var buf bytes.Buffer
	_, err = t.ExecuteFunc(&buf, func(w io.Writer, tag string) (int, error) {
		name := strings.TrimSpace(tag)
		val, ok := env[name]
		if !ok {
			return 0, fmt.Errorf("unknown field %q", name)
		}
		return w.Write([]byte(val))
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// Render expands a matched packet's topic and payload templates
// against env, the field-name-to-rendered-string environment built by
// the session processor for one frame.
func Render(t catalog.MqttTemplate, env map[string]string) (topic, payload string, err error) {
	topic, err = Expand(t.Topic, env)
	if err != nil {
		return "", "", fmt.Errorf("topic: %w", err)
	}
	payload, err = Expand(t.Payload, env)
	if err != nil {
		return "", "", fmt.Errorf("payload: %w", err)
	}
	return topic, payload, nil
}
