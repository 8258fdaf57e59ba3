package bytecode

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR encoding keeps serialized artifacts byte-for-byte
// deterministic, so content addressing over the wire bytes is stable.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes an artifact to its wire form: the "LOON" magic, a
// format version byte, and a canonical CBOR body.
func Marshal(a *Artifact) ([]byte, error) {
	body, err := cborEncMode.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("bytecode: marshal artifact: %w", err)
	}
	out := make([]byte, 0, len(Magic)+1+len(body))
	out = append(out, Magic...)
	out = append(out, FormatVersion)
	out = append(out, body...)
	return out, nil
}

// Unmarshal deserializes an artifact from its wire form. The result is
// NOT yet validated; callers must run Verify before execution. Header
// and decode failures unwrap to ErrMalformed.
func Unmarshal(data []byte) (*Artifact, error) {
	if len(data) < len(Magic)+1 {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformed, len(data))
	}
	if !bytes.Equal(data[:len(Magic)], Magic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformed, data[:len(Magic)])
	}
	if v := data[len(Magic)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d (want %d)", ErrMalformed, v, FormatVersion)
	}
	var a Artifact
	if err := cbor.Unmarshal(data[len(Magic)+1:], &a); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", ErrMalformed, err)
	}
	return &a, nil
}

// Load is the trust-boundary entry point: it decodes and validates wire
// bytes in one step, returning an artifact that is safe to execute.
func Load(data []byte) (*Artifact, error) {
	a, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := Verify(a); err != nil {
		return nil, err
	}
	return a, nil
}
