package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

const KindOpaque = "opaque"

// Codec marshals cursor tokens to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(token []byte) (json.RawMessage, error)
	Unmarshal(data json.RawMessage) ([]byte, error)
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024 // 64 KB

// WireCursor is the typed union for transport (HTTP JSON).
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(kind string, token []byte) (*WireCursor, error) {
	codec, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", kind)
	}
	data, err := codec.Marshal(token)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) ([]byte, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// opaqueCodec transports the raw token as base64.
type opaqueCodec struct{}

func (opaqueCodec) Kind() string { return KindOpaque }

func (opaqueCodec) Marshal(token []byte) (json.RawMessage, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(token))
}

func (opaqueCodec) Unmarshal(data json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func init() {
	Register(opaqueCodec{})
}
