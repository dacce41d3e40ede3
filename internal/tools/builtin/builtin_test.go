package builtin

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ringdown/ringdown/internal/tools"
)

func TestCurrentTime_DefaultsToUTC(t *testing.T) {
	fixed := time.Date(2025, time.March, 4, 15, 4, 5, 0, time.UTC)
	spec := currentTimeSpec(func() time.Time { return fixed })

	payload, err := spec.Handler(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	var out struct {
		OK       bool   `json:"ok"`
		ISO      string `json:"iso"`
		Spoken   string `json:"spoken"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK {
		t.Error("ok = false")
	}
	if out.ISO != "2025-03-04T15:04:05Z" {
		t.Errorf("iso = %q", out.ISO)
	}
	if out.Spoken != "Tuesday, March 4 at 3:04 PM" {
		t.Errorf("spoken = %q", out.Spoken)
	}
	if out.Timezone != "UTC" {
		t.Errorf("timezone = %q", out.Timezone)
	}
}

func TestCurrentTime_UnknownTimezone(t *testing.T) {
	spec := currentTimeSpec(time.Now)
	_, err := spec.Handler(context.Background(), json.RawMessage(`{"timezone":"Mars/Phobos"}`))
	toolErr, ok := tools.AsError(err)
	if !ok || toolErr.Type != tools.ErrorInvalidArgs {
		t.Fatalf("err = %v, want invalid_args", err)
	}
}

func TestSwitchLanguage_DefaultsTranscription(t *testing.T) {
	spec := SwitchLanguage()
	payload, err := spec.Handler(context.Background(), json.RawMessage(`{"tts_language":"es-MX"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	control, ok := DecodeControl(payload)
	if !ok {
		t.Fatal("expected a control payload")
	}
	if control.Control != ControlSwitchLanguage {
		t.Errorf("control = %q", control.Control)
	}
	if control.TTSLanguage != "es-MX" || control.TranscriptionLanguage != "es-MX" {
		t.Errorf("languages = %q/%q, want es-MX for both", control.TTSLanguage, control.TranscriptionLanguage)
	}
}

func TestSwitchLanguage_SeparateTranscription(t *testing.T) {
	spec := SwitchLanguage()
	payload, err := spec.Handler(context.Background(),
		json.RawMessage(`{"tts_language":"fr-FR","transcription_language":"fr-CA"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	control, _ := DecodeControl(payload)
	if control.TTSLanguage != "fr-FR" || control.TranscriptionLanguage != "fr-CA" {
		t.Errorf("languages = %q/%q", control.TTSLanguage, control.TranscriptionLanguage)
	}
}

func TestHangUp_ControlPayload(t *testing.T) {
	spec := HangUp()
	payload, err := spec.Handler(context.Background(), json.RawMessage(`{"reason":"caller said goodbye"}`))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	control, ok := DecodeControl(payload)
	if !ok {
		t.Fatal("expected a control payload")
	}
	if control.Control != ControlHangUp {
		t.Errorf("control = %q", control.Control)
	}
	if control.Reason != "caller said goodbye" {
		t.Errorf("reason = %q", control.Reason)
	}
}

func TestDecodeControl_PlainResult(t *testing.T) {
	if _, ok := DecodeControl(json.RawMessage(`{"ok":true,"to":"dan@example.com"}`)); ok {
		t.Error("plain result decoded as control")
	}
	if _, ok := DecodeControl(json.RawMessage(`not json`)); ok {
		t.Error("malformed result decoded as control")
	}
}

func TestBuiltinSpecsRegister(t *testing.T) {
	r := tools.NewRegistry(nil, nil)
	r.MustRegister(
		SendEmail(discardLogger()),
		CurrentTime(),
		SwitchLanguage(),
		HangUp(),
	)

	names := r.Names()
	want := []string{"current_time", "hang_up", "send_email", "switch_language"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	descriptors := r.DescriptorsFor(want)
	for _, d := range descriptors {
		if len(d.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", d.Name)
		}
	}
}
