package pipeline

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

// TestExtractTemplate_ErrorKinds walks the intake failure table: each
// malformed container must fail with its documented kind.
func TestExtractTemplate_ErrorKinds(t *testing.T) {
	cases := []struct {
		name      string
		container *Container
		want      Kind
	}{
		{"null container", nil, KindInvalidTemplate},
		{"missing field", &Container{}, KindMissingIsoTemplate},
		{"invalid characters", &Container{ISOTemplateBase64: "!!!not-base64!!!"}, KindBase64Decode},
		{"missing padding", &Container{ISOTemplateBase64: "abc"}, KindBase64Decode},
		{"non-canonical padding bits", &Container{ISOTemplateBase64: "AB=="}, KindBase64Decode},
		{"nine bytes", &Container{ISOTemplateBase64: "MTIzNDU2Nzg5"}, KindCorruptTemplate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractTemplate(tc.container)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			kind, ok := KindOf(err)
			if !ok {
				t.Fatalf("error %v carries no kind", err)
			}
			if kind != tc.want {
				t.Fatalf("kind = %s, want %s", kind, tc.want)
			}
		})
	}
}

// TestExtractTemplate_FloorBoundary accepts exactly ten decoded bytes, the
// size of a simplified ISO finger minutiae header.
func TestExtractTemplate_FloorBoundary(t *testing.T) {
	template, err := ExtractTemplate(&Container{ISOTemplateBase64: "QUFBQUFBQUFBQQ=="})
	if err != nil {
		t.Fatalf("ExtractTemplate failed: %v", err)
	}
	if len(template) != MinTemplateBytes {
		t.Fatalf("template length = %d, want %d", len(template), MinTemplateBytes)
	}
}

// TestExtractTemplate_OpaqueBytes verifies the decoded bytes are returned
// verbatim with no ISO header interpretation.
func TestExtractTemplate_OpaqueBytes(t *testing.T) {
	raw := []byte("not an ISO record at all, still fine")
	template, err := ExtractTemplate(&Container{ISOTemplateBase64: base64.StdEncoding.EncodeToString(raw)})
	if err != nil {
		t.Fatalf("ExtractTemplate failed: %v", err)
	}
	if string(template) != string(raw) {
		t.Fatalf("template = %q, want %q", template, raw)
	}
}

// TestContainer_IgnoresUpstreamMetadata verifies that extra fields from the
// fingerprint service do not disturb decoding.
func TestContainer_IgnoresUpstreamMetadata(t *testing.T) {
	payload := `{"iso_template_base64":"QUFBQUFBQUFBQQ==","finger":"right-index","quality":87}`
	var c Container
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, err := ExtractTemplate(&c); err != nil {
		t.Fatalf("ExtractTemplate failed: %v", err)
	}
}
