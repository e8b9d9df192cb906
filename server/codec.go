package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the Connect codec name, sent as application/cbor.
const codecName = "cbor"

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEnc = em

	dm, err := cbor.DecOptions{
		MaxNestedLevels:  64,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR dec mode: %v", err))
	}
	cborDec = dm
}

// cborCodec carries plain Go request and response structs over Connect.
type cborCodec struct{}

func (cborCodec) Name() string { return codecName }

func (cborCodec) Marshal(msg any) ([]byte, error) {
	return cborEnc.Marshal(msg)
}

func (cborCodec) Unmarshal(data []byte, msg any) error {
	return cborDec.Unmarshal(data, msg)
}
