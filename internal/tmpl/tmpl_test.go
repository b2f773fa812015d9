package tmpl_test

import (
	"errors"
	"testing"

	"github.com/arelio/slipbridge/internal/catalog"
	"github.com/arelio/slipbridge/internal/tmpl"
)

func TestExpandSubstitutesFields(t *testing.T) {
	t.Parallel()

	env := map[string]string{"seq": "42", "id": "0x01 (1)"}
	got, err := tmpl.Expand("hb/{{seq}}/{{ id }}", env)
	if err != nil {
		t.Fatalf("Expand: unexpected error: %v", err)
	}
	if want := "hb/42/0x01 (1)"; got != want {
		t.Errorf("Expand() = %q, want %q", got, want)
	}
}

func TestExpandNoSubstitutions(t *testing.T) {
	t.Parallel()

	got, err := tmpl.Expand("static/topic", nil)
	if err != nil {
		t.Fatalf("Expand: unexpected error: %v", err)
	}
	if got != "static/topic" {
		t.Errorf("Expand() = %q, want static/topic", got)
	}
}

func TestExpandUnknownNameFails(t *testing.T) {
	t.Parallel()

	_, err := tmpl.Expand("hb/{{missing}}", map[string]string{"seq": "1"})
	if !errors.Is(err, tmpl.ErrTemplateRender) {
		t.Fatalf("got %v, want ErrTemplateRender", err)
	}
}

func TestRenderTopicAndPayload(t *testing.T) {
	t.Parallel()

	env := map[string]string{"seq": "7"}
	topic, payload, err := tmpl.Render(catalog.MqttTemplate{
		Topic:   "hb/{{seq}}",
		Payload: `{"seq":{{seq}}}`,
	}, env)
	if err != nil {
		t.Fatalf("Render: unexpected error: %v", err)
	}
	if topic != "hb/7" {
		t.Errorf("topic = %q, want hb/7", topic)
	}
	if payload != `{"seq":7}` {
		t.Errorf("payload = %q, want {\"seq\":7}", payload)
	}
}

func TestRenderTopicFailurePreventsPayloadRender(t *testing.T) {
	t.Parallel()

	_, payload, err := tmpl.Render(catalog.MqttTemplate{
		Topic:   "hb/{{missing}}",
		Payload: "ok",
	}, map[string]string{})
	if !errors.Is(err, tmpl.ErrTemplateRender) {
		t.Fatalf("got %v, want ErrTemplateRender", err)
	}
	if payload != "" {
		t.Errorf("payload = %q, want empty (payload must not be rendered)", payload)
	}
}
