package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/hupe1980/toolmesh/core"
)

// MaxLineSize bounds a single newline delimited JSON document.
const MaxLineSize = 4 << 20

// JSON is the newline delimited JSON codec.
type JSON struct{}

// Name returns "json".
func (JSON) Name() string { return NameJSON }

// NewReader returns a reader yielding one core.RawJSON per non-blank line.
func (JSON) NewReader(r io.Reader) Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &jsonReader{sc: sc}
}

// NewWriter returns a writer encoding one response per line.
func (JSON) NewWriter(w io.Writer) Writer {
	return &jsonWriter{w: w}
}

type jsonReader struct {
	sc *bufio.Scanner
}

func (r *jsonReader) Read() (core.RawCommand, error) {
	for r.sc.Scan() {
		line := bytes.TrimSpace(r.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return core.RawJSON(out), nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

type jsonWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *jsonWriter) Write(resp core.ResponseEnvelope) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(data)
	return err
}

// ResponseReader decodes newline delimited JSON responses, validating each.
type ResponseReader struct {
	dec *json.Decoder
}

// NewJSONResponseReader returns a reader of JSON responses from r.
func NewJSONResponseReader(r io.Reader) *ResponseReader {
	return &ResponseReader{dec: json.NewDecoder(r)}
}

// Read returns the next response or io.EOF.
func (r *ResponseReader) Read() (core.ResponseEnvelope, error) {
	var resp core.ResponseEnvelope
	if err := r.dec.Decode(&resp); err != nil {
		return core.ResponseEnvelope{}, err
	}
	return resp, nil
}
