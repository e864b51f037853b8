package storage

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vocdoni/ballotbox/log"
)

// ArtifactEncoding defines the encoding formats for stored artifacts.
type ArtifactEncoding int

const (
	// ArtifactEncodingCBOR is the CBOR encoding format.
	ArtifactEncodingCBOR ArtifactEncoding = iota
	// ArtifactEncodingJSON is the JSON encoding format.
	ArtifactEncodingJSON
)

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoding mode: %v", err))
	}
	return em
}()

// EncodeArtifact encodes an artifact. CBOR (core deterministic) is used
// unless another supported encoding is given.
func EncodeArtifact(a any, encoding ...ArtifactEncoding) ([]byte, error) {
	if len(encoding) > 0 {
		switch encoding[0] {
		case ArtifactEncodingCBOR:
		case ArtifactEncodingJSON:
			res, err := json.Marshal(a)
			if err != nil {
				log.Warnw("falling back to CBOR encoding due to JSON encoding failure", "error", err)
				break
			}
			return res, nil
		default:
			return nil, fmt.Errorf("unknown artifact encoding: %d", encoding[0])
		}
	}
	return cborEncMode.Marshal(a)
}

// DecodeArtifact decodes an artifact encoded with EncodeArtifact.
func DecodeArtifact(data []byte, out any, encoding ...ArtifactEncoding) error {
	if len(encoding) > 0 {
		switch encoding[0] {
		case ArtifactEncodingCBOR:
		case ArtifactEncodingJSON:
			if err := json.Unmarshal(data, out); err != nil {
				log.Warnw("falling back to CBOR decoding due to JSON decoding failure", "error", err)
				break
			}
			return nil
		default:
			return fmt.Errorf("unknown artifact encoding: %d", encoding[0])
		}
	}
	return cbor.Unmarshal(data, out)
}
