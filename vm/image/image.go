// Package image implements the portable form of compiled zr code. An image
// is a flattened function tree plus the prototypes and exports a module
// carries, encoded as canonical CBOR so that equal modules always produce
// equal bytes and therefore equal content hashes.
package image

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the image format version written by this package.
const Version = 1

// noIndex marks an absent function or prototype reference.
const noIndex = -1

var (
	ErrVersion      = errors.New("unsupported image version")
	ErrUnencodable  = errors.New("value cannot be encoded in an image")
	ErrBadReference = errors.New("dangling reference in image")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Wire records
// ---------------------------------------------------------------------------

// Image is the top-level record.
type Image struct {
	Version    uint8             `cbor:"1,keyasint"`
	Module     string            `cbor:"2,keyasint,omitempty"`
	Entry      int               `cbor:"3,keyasint"` // index into Functions, -1 if none
	Functions  []FunctionRecord  `cbor:"4,keyasint"`
	Prototypes []PrototypeRecord `cbor:"5,keyasint,omitempty"`
	Exports    []ExportRecord    `cbor:"6,keyasint,omitempty"`
}

// FunctionRecord is one function template. Children and function
// constants refer to other records by index, so shared and recursive
// references survive a round trip.
type FunctionRecord struct {
	Name        string             `cbor:"1,keyasint"`
	Module      string             `cbor:"2,keyasint,omitempty"`
	ParamCount  int                `cbor:"3,keyasint"`
	Variadic    bool               `cbor:"4,keyasint,omitempty"`
	StackSize   int                `cbor:"5,keyasint"`
	Code        []uint64           `cbor:"6,keyasint"`
	Constants   []Constant         `cbor:"7,keyasint,omitempty"`
	Children    []int              `cbor:"8,keyasint,omitempty"`
	ClosureVars []ClosureVarRecord `cbor:"9,keyasint,omitempty"`
	Locals      []LocalRecord      `cbor:"10,keyasint,omitempty"`
}

// Constant is a tagged value. Type is the vm.ValueType; numbers and bools
// keep their raw bits, strings use Str, and function or prototype
// constants use Ref.
type Constant struct {
	Type uint8  `cbor:"1,keyasint"`
	Bits uint64 `cbor:"2,keyasint,omitempty"`
	Str  string `cbor:"3,keyasint,omitempty"`
	Ref  int    `cbor:"4,keyasint,omitempty"`
}

type ClosureVarRecord struct {
	Name          string `cbor:"1,keyasint,omitempty"`
	InStack       bool   `cbor:"2,keyasint,omitempty"`
	FromEnclosing bool   `cbor:"3,keyasint,omitempty"`
	Index         int    `cbor:"4,keyasint"`
}

type LocalRecord struct {
	Name    string `cbor:"1,keyasint"`
	Slot    int    `cbor:"2,keyasint"`
	StartPC int    `cbor:"3,keyasint"`
	EndPC   int    `cbor:"4,keyasint"`
}

// PrototypeRecord is a struct or class declaration.
type PrototypeRecord struct {
	Name    string         `cbor:"1,keyasint"`
	Module  string         `cbor:"2,keyasint,omitempty"`
	Kind    uint8          `cbor:"3,keyasint"`
	Super   int            `cbor:"4,keyasint"` // -1 if none
	Fields  []FieldRecord  `cbor:"5,keyasint,omitempty"`
	Members []MemberRecord `cbor:"6,keyasint,omitempty"`
	Meta    []MetaRecord   `cbor:"7,keyasint,omitempty"` // sorted by tag
}

type FieldRecord struct {
	Name    string   `cbor:"1,keyasint"`
	Default Constant `cbor:"2,keyasint"`
}

type MemberRecord struct {
	Key   Constant `cbor:"1,keyasint"`
	Value Constant `cbor:"2,keyasint"`
}

type MetaRecord struct {
	Tag     string   `cbor:"1,keyasint"`
	Handler Constant `cbor:"2,keyasint"`
}

type ExportRecord struct {
	Name  string   `cbor:"1,keyasint"`
	Value Constant `cbor:"2,keyasint"`
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Marshal serializes an Image to canonical CBOR bytes.
func Marshal(img *Image) ([]byte, error) {
	return cborEncMode.Marshal(img)
}

// Unmarshal deserializes an Image and checks its version.
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	if img.Version != Version {
		return nil, fmt.Errorf("image: version %d: %w", img.Version, ErrVersion)
	}
	return &img, nil
}

// Hash returns the content hash of an encoded image.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
