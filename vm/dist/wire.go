package dist

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode holds CBOR encoding options with canonical mode, so equal
// artifacts always encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// HashSource returns the SHA-256 of source text, the key an artifact is
// stored and verified under.
func HashSource(source string) [32]byte {
	return sha256.Sum256([]byte(source))
}

// Marshal serializes an artifact to CBOR bytes.
func Marshal(a *Artifact) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// Unmarshal deserializes an artifact from CBOR bytes and validates its
// header.
func Unmarshal(data []byte) (*Artifact, error) {
	var a Artifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("dist: unmarshal artifact: %w", err)
	}
	if a.Magic != artifactMagic {
		return nil, fmt.Errorf("dist: bad artifact magic %q", a.Magic)
	}
	if a.Version != FormatVersion {
		return nil, fmt.Errorf("dist: unsupported artifact version %d (want %d)", a.Version, FormatVersion)
	}
	return &a, nil
}

// Verify checks that an artifact was compiled from the given source text.
func Verify(a *Artifact, source string) error {
	computed := HashSource(source)
	if computed != a.SourceHash {
		return fmt.Errorf("dist: source hash mismatch: declared %x, computed %x", a.SourceHash, computed)
	}
	return nil
}

// WriteFile serializes an artifact to a .dycb file.
func WriteFile(path string, a *Artifact) error {
	data, err := Marshal(a)
	if err != nil {
		return fmt.Errorf("dist: marshal artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dist: write %s: %w", path, err)
	}
	return nil
}

// ReadFile loads an artifact from a .dycb file.
func ReadFile(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dist: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
