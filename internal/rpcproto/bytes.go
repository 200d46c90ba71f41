// Package rpcproto defines the JSON-RPC 2.0 wire envelope and the
// wire-shaped mirrors of internal/store's domain types (spec §6.1): byte
// fields travel as base64 strings, enums travel as plain numbers.
package rpcproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is a []byte that marshals to/from a base64 JSON string instead of
// JSON's own []byte-as-base64 behavior exposed differently — spelled out
// explicitly here because the wire format is a cross-language contract
// (spec §6.1/§9), mirroring original_source/gpuproxy/src/utils/base64bytes.rs's
// Base64Byte newtype rather than relying on encoding/json's implicit
// []byte handling matching it by accident.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("rpcproto.Bytes: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("rpcproto.Bytes: invalid base64: %w", err)
	}
	*b = decoded
	return nil
}
