package pipeline

import (
	"encoding/base64"
	"fmt"
)

// MinTemplateBytes is the smallest decoded template accepted: the simplified
// ISO/IEC 19794-2 header alone is ten bytes, so anything shorter cannot be a
// finger minutiae record.
const MinTemplateBytes = 10

// Container is the template record received from the upstream fingerprint
// service. Only the ISO template field is consumed; upstream attaches other
// metadata which the derivation ignores.
type Container struct {
	ISOTemplateBase64 string `json:"iso_template_base64"`
}

// ExtractTemplate decodes and validates the ISO template carried by the
// container. The bytes are treated opaquely; no ISO header fields are parsed,
// which keeps derived identifiers stable across upstream header revisions.
func ExtractTemplate(container *Container) ([]byte, error) {
	if container == nil {
		return nil, newError(KindInvalidTemplate, "null container")
	}
	if container.ISOTemplateBase64 == "" {
		return nil, newError(KindMissingIsoTemplate, "iso_template_base64 is required")
	}
	template, err := base64.StdEncoding.Strict().DecodeString(container.ISOTemplateBase64)
	if err != nil {
		return nil, newError(KindBase64Decode, fmt.Sprintf("iso_template_base64 is not standard base64: %v", err))
	}
	if len(template) < MinTemplateBytes {
		return nil, newError(KindCorruptTemplate, fmt.Sprintf("decoded template is %d bytes, below the %d-byte minimum", len(template), MinTemplateBytes))
	}
	return template, nil
}
