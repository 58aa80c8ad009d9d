package models

import (
	"encoding/json"
	"fmt"
)

// Metadata describes a package. It is stored inside the archive as
// metadata.json or next to it as <archive>.metadata.json.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Channel     string `json:"channel,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Icon        string `json:"icon,omitempty"`
	MD5         string `json:"md5,omitempty"`
	SHA1        string `json:"sha1,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	SHA512      string `json:"sha512,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Checksums returns the digests carried by the metadata.
func (m *Metadata) Checksums() *Checksums {
	if m == nil {
		return nil
	}
	return &Checksums{MD5: m.MD5, SHA1: m.SHA1, SHA256: m.SHA256, SHA512: m.SHA512}
}

// ParseMetadata decodes a metadata document.
func ParseMetadata(source string, data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewError(ErrParse, source, fmt.Errorf("invalid metadata: %w", err))
	}
	return &m, nil
}

// Marshal encodes the metadata document.
func (m *Metadata) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, NewError(ErrParse, m.Name, fmt.Errorf("encoding metadata: %w", err))
	}
	return data, nil
}
