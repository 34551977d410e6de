package codec

import (
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/hupe1980/toolmesh/core"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so decoded commands can be
// normalized like JSON input.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalCBOR encodes v deterministically.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// CBOR is the CBOR sequence codec.
type CBOR struct{}

// Name returns "cbor".
func (CBOR) Name() string { return NameCBOR }

// NewReader returns a reader decoding one data item per command. Decoding
// errors end the stream since a CBOR sequence cannot be resynchronized.
func (CBOR) NewReader(r io.Reader) Reader {
	return &cborReader{dec: decMode.NewDecoder(r)}
}

// NewWriter returns a writer encoding one data item per response.
func (CBOR) NewWriter(w io.Writer) Writer {
	return &cborWriter{enc: encMode.NewEncoder(w)}
}

type cborReader struct {
	dec *cbor.Decoder
}

func (r *cborReader) Read() (core.RawCommand, error) {
	var v any
	if err := r.dec.Decode(&v); err != nil {
		return nil, err
	}
	return core.AsRawCommand(v), nil
}

type cborWriter struct {
	mu  sync.Mutex
	enc *cbor.Encoder
}

func (w *cborWriter) Write(resp core.ResponseEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(responseWire(resp))
}

// CBORResponseReader decodes a CBOR sequence of responses, validating each.
type CBORResponseReader struct {
	dec *cbor.Decoder
}

// NewCBORResponseReader returns a reader of CBOR responses from r.
func NewCBORResponseReader(r io.Reader) *CBORResponseReader {
	return &CBORResponseReader{dec: decMode.NewDecoder(r)}
}

// Read returns the next response or io.EOF.
func (r *CBORResponseReader) Read() (core.ResponseEnvelope, error) {
	var m map[string]any
	if err := r.dec.Decode(&m); err != nil {
		return core.ResponseEnvelope{}, err
	}
	return responseFromWire(m)
}
