package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the closed set of deliverable message kinds.
type Kind uint8

const (
	kindInvalid Kind = iota
	KindText
	KindPhoto
	KindVideo
	KindSurvey
	KindLink
	KindTextLink
)

var kindNames = map[Kind]string{
	KindText:     "text",
	KindPhoto:    "photo",
	KindVideo:    "video",
	KindSurvey:   "survey",
	KindLink:     "link",
	KindTextLink: "text-link",
}

// ParseKind accepts the stored names. "text link" is the legacy spelling and
// legacy "audio" entries are delivered as video.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "text link", "text_link":
		name = "text-link"
	case "audio":
		name = "video"
	}
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return kindInvalid, fmt.Errorf("scenario: unknown message type %q", s)
}

// Valid reports whether k is one of the six kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// HasMedia reports whether the kind sends a caption next to a media url.
func (k Kind) HasMedia() bool {
	return k == KindPhoto || k == KindVideo
}

// Limit is the transport's per-message size for the kind's primary payload.
func (k Kind) Limit() int {
	if k == KindText {
		return MaxTextLength
	}
	return MaxCaptionLength
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("scenario: cannot encode %s", k)
	}
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("scenario: message type: %w", err)
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalJSON keeps an entry with an unknown type instead of failing the
// whole document. Such an entry decodes with the invalid kind and re-encodes
// under its original type name.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Type string `json:"type"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	kind, err := ParseKind(aux.Type)
	if err != nil {
		m.Kind, m.rawType = kindInvalid, aux.Type
		return nil
	}
	m.Kind, m.rawType = kind, ""
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	type plain Message
	aux := struct {
		plain
		Type string `json:"type"`
	}{plain: plain(m)}
	switch {
	case m.Kind.Valid():
		aux.Type = m.Kind.String()
	case m.rawType != "":
		aux.Type = m.rawType
	default:
		return nil, fmt.Errorf("scenario: cannot encode %s", m.Kind)
	}
	return json.Marshal(aux)
}

// RawType is the stored type name of an entry whose kind is not recognized.
func (m Message) RawType() string {
	return m.rawType
}
