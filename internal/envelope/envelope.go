// Package envelope defines the identity and message types shared by the
// WebSocket wire protocol and the inter-replica proxy (spec component H).
//
// Envelope payloads are deliberately opaque: this package only carries the
// `json.RawMessage`, never inspects it. Validation of a payload's shape is a
// REST-Adapter-level concern, one layer up, so the core stays small.
package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Kind tags an envelope with the operation it carries. The core treats every
// value here as an opaque string; it never branches on a specific Kind.
type Kind string

const (
	KindQuery             Kind = "query"
	KindFetchEntity       Kind = "fetch-entity"
	KindFetchStructure    Kind = "fetch-structure"
	KindFetchContents     Kind = "fetch-contents"
	KindCreateEntity      Kind = "create-entity"
	KindUpdateEntity      Kind = "update-entity"
	KindDeleteEntity      Kind = "delete-entity"
	KindRoll              Kind = "roll"
	KindRollHistory       Kind = "roll-history"
	KindFetchRenderedView Kind = "fetch-rendered-view"
	KindFileList          Kind = "filesystem-list"
	KindFileUpload        Kind = "filesystem-upload"
	KindFileDownload      Kind = "filesystem-download"
	KindMacroList         Kind = "macro-list"
	KindMacroExecute      Kind = "macro-execute"
	KindEncounterControl  Kind = "encounter-control"
	KindSelect            Kind = "select"
	KindSelected          Kind = "selected"
	KindExecuteScript     Kind = "execute-script"
	KindActorOperation    Kind = "dnd5e-actor-operation"
)

// Envelope is the unit crossing the WebSocket in either direction: a tag, an
// optional request token, and an opaque payload.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"-"`
}

// wireEnvelope is the JSON shape actually exchanged: the payload's
// kind-specific fields live alongside type/requestId at the top level, not
// nested, matching the protocol described in spec §4.8/§6.1. Decode captures
// everything left over as the opaque Payload.
type wireEnvelope struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

// Decode parses a raw WebSocket text frame into an Envelope. The full frame
// is retained as Payload so kind-specific fields survive untouched.
func Decode(raw []byte) (Envelope, error) {
	var head wireEnvelope
	if err := json.Unmarshal(raw, &head); err != nil {
		return Envelope{}, fmt.Errorf("envelope: malformed frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, fmt.Errorf("envelope: missing type")
	}
	return Envelope{Type: head.Type, RequestID: head.RequestID, Payload: json.RawMessage(raw)}, nil
}

// Encode renders an Envelope back to wire bytes. When payload is nil, only
// type/requestId are emitted.
func Encode(e Envelope) ([]byte, error) {
	if e.Payload != nil {
		return e.Payload, nil
	}
	return json.Marshal(wireEnvelope{Type: e.Type, RequestID: e.RequestID})
}

// HelloFrame is the mandatory first frame on a new /relay connection (§6.1).
type HelloFrame struct {
	Type     string                 `json:"type"`
	ClientID string                 `json:"clientId"`
	APIKey   string                 `json:"apiKey"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ParseHello decodes and validates the mandatory hello frame.
func ParseHello(raw []byte) (HelloFrame, error) {
	var h HelloFrame
	if err := json.Unmarshal(raw, &h); err != nil {
		return HelloFrame{}, fmt.Errorf("envelope: malformed hello: %w", err)
	}
	if h.Type != "hello" {
		return HelloFrame{}, fmt.Errorf("envelope: first frame must be type=hello, got %q", h.Type)
	}
	if err := ValidateClientID(h.ClientID); err != nil {
		return HelloFrame{}, err
	}
	if h.APIKey == "" {
		return HelloFrame{}, fmt.Errorf("envelope: hello missing apiKey")
	}
	return h, nil
}

// clientIDPattern rejects zero-length and non-printable client identifiers
// (spec §8 boundary case): printable ASCII, no whitespace, capped length.
var clientIDPattern = regexp.MustCompile(`^[\x21-\x7E]{1,256}$`)

// ValidateClientID enforces the §8 boundary case: zero-length or non-UTF-8
// (in practice, non-printable-ASCII) client ids are rejected at hello time.
func ValidateClientID(id string) error {
	if !clientIDPattern.MatchString(id) {
		return fmt.Errorf("envelope: invalid clientId %q", id)
	}
	return nil
}
