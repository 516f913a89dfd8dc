// Package bencode implements the bencoding used by .torrent files and
// tracker HTTP responses: byte strings, integers, lists and dictionaries,
// each self-delimiting so a decoder never needs a length prefix for the
// whole document.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which of the four bencode value shapes a Data holds.
type Kind int

const (
	Invalid Kind = iota
	String
	Integer
	List
	Dict
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Integer:
		return "integer"
	case List:
		return "list"
	case Dict:
		return "dict"
	default:
		return "invalid"
	}
}

// Legacy aliases kept for callers written against the type's earlier,
// all-caps constant names.
const (
	INVALID = Invalid
	STRING  = String
	INTEGER = Integer
	LIST    = List
	DICT    = Dict
)

// Data is one decoded bencode value. Value holds []byte for String, int64
// for Integer, []*Data for List, or map[string]*Data for Dict.
type Data struct {
	Type  Kind
	Value any
}

// NewData wraps a Go value as a Data node, inferring its Kind. Unsupported
// types produce an Invalid node rather than panicking, since decoding
// untrusted tracker responses should never crash the caller.
func NewData(v any) *Data {
	d := &Data{}
	switch val := v.(type) {
	case int:
		d.Type, d.Value = Integer, int64(val)
	case int64:
		d.Type, d.Value = Integer, val
	case string:
		d.Type, d.Value = String, []byte(val)
	case []byte:
		d.Type, d.Value = String, val
	case []any:
		list := make([]*Data, len(val))
		for i, elem := range val {
			list[i] = NewData(elem)
		}
		d.Type, d.Value = List, list
	case []*Data:
		d.Type, d.Value = List, val
	case map[string]any:
		dict := make(map[string]*Data, len(val))
		for k, elem := range val {
			dict[k] = NewData(elem)
		}
		d.Type, d.Value = Dict, dict
	case map[string]*Data:
		d.Type, d.Value = Dict, val
	default:
		d.Type = Invalid
	}
	return d
}

func (d Data) AsString() string         { return string(d.Value.([]byte)) }
func (d Data) AsBytes() []byte          { return d.Value.([]byte) }
func (d Data) AsInt() int64             { return d.Value.(int64) }
func (d Data) AsList() []*Data          { return d.Value.([]*Data) }
func (d Data) AsDict() map[string]*Data { return d.Value.(map[string]*Data) }

func (d Data) String() string {
	switch d.Type {
	case String:
		return fmt.Sprintf("%q", d.AsString())
	case Integer:
		return strconv.FormatInt(d.AsInt(), 10)
	case List:
		parts := make([]string, len(d.AsList()))
		for i, elem := range d.AsList() {
			parts[i] = elem.String()
		}
		return "[" + joinComma(parts) + "]"
	case Dict:
		dict := d.AsDict()
		keys := sortedKeys(dict)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s: %s", k, dict[k].String())
		}
		return "{" + joinComma(parts) + "}"
	default:
		return "<invalid>"
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func sortedKeys(dict map[string]*Data) []string {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ToBytes re-encodes d, the inverse of Decode.
func (d Data) ToBytes() []byte {
	return Encode(&d)
}

// decoder walks a bencode byte slice left to right, consuming one value at
// a time. It never copies the underlying buffer; callers that need decoded
// strings to outlive the input should copy AsBytes themselves.
type decoder struct {
	buf []byte
	pos int
}

// Decode parses one bencode value starting at content[0] and reports how
// many bytes it consumed. An empty slice decodes to (nil, 0, nil): bencode
// has no explicit end-of-document marker, so zero-length input is not an
// error, just nothing to read.
func Decode(content []byte) (*Data, int, error) {
	if len(content) == 0 {
		return nil, 0, nil
	}
	dec := &decoder{buf: content}
	val, err := dec.value()
	return val, dec.pos, err
}

func (dec *decoder) value() (*Data, error) {
	if dec.pos >= len(dec.buf) {
		return nil, fmt.Errorf("bencode: unexpected end of input")
	}
	switch dec.buf[dec.pos] {
	case 'i':
		return dec.integer()
	case 'l':
		return dec.list()
	case 'd':
		return dec.dict()
	default:
		return dec.str()
	}
}

func (dec *decoder) integer() (*Data, error) {
	start := dec.pos + 1
	end := bytes.IndexByte(dec.buf[start:], 'e')
	if end < 0 {
		dec.pos = len(dec.buf)
		return nil, fmt.Errorf("bencode: unterminated integer")
	}
	n, err := strconv.ParseInt(string(dec.buf[start:start+end]), 10, 64)
	if err != nil {
		dec.pos = start + end + 1
		return nil, fmt.Errorf("bencode: invalid integer: %w", err)
	}
	dec.pos = start + end + 1
	return NewData(n), nil
}

func (dec *decoder) str() (*Data, error) {
	colon := bytes.IndexByte(dec.buf[dec.pos:], ':')
	if colon < 0 {
		dec.pos = len(dec.buf)
		return nil, fmt.Errorf("bencode: malformed string length")
	}
	length, err := strconv.Atoi(string(dec.buf[dec.pos : dec.pos+colon]))
	if err != nil || length < 0 {
		dec.pos += colon + 1
		return nil, fmt.Errorf("bencode: invalid string length")
	}
	start := dec.pos + colon + 1
	end := start + length
	if end > len(dec.buf) {
		dec.pos = len(dec.buf)
		return nil, fmt.Errorf("bencode: string length %d exceeds remaining input", length)
	}
	dec.pos = end
	return NewData(dec.buf[start:end]), nil
}

func (dec *decoder) list() (*Data, error) {
	dec.pos++ // past 'l'
	items := make([]*Data, 0)
	for {
		if dec.pos >= len(dec.buf) {
			return NewData(items), fmt.Errorf("bencode: unterminated list")
		}
		if dec.buf[dec.pos] == 'e' {
			dec.pos++
			return NewData(items), nil
		}
		elem, err := dec.value()
		if err != nil {
			return NewData(items), err
		}
		items = append(items, elem)
	}
}

func (dec *decoder) dict() (*Data, error) {
	dec.pos++ // past 'd'
	entries := make(map[string]*Data)
	for {
		if dec.pos >= len(dec.buf) {
			return NewData(entries), fmt.Errorf("bencode: unterminated dict")
		}
		if dec.buf[dec.pos] == 'e' {
			dec.pos++
			return NewData(entries), nil
		}
		key, err := dec.value()
		if err != nil {
			return NewData(entries), err
		}
		if key.Type != String {
			return NewData(entries), fmt.Errorf("bencode: dict key must be a string, got %s", key.Type)
		}
		val, err := dec.value()
		if err != nil {
			return NewData(entries), err
		}
		entries[key.AsString()] = val
	}
}

// Encode serializes data back to its bencode wire form. Dict keys are
// written in lexical order, per the bencode spec's canonical form.
func Encode(data *Data) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, data)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, data *Data) {
	switch data.Type {
	case String:
		s := data.AsBytes()
		fmt.Fprintf(buf, "%d:", len(s))
		buf.Write(s)
	case Integer:
		fmt.Fprintf(buf, "i%de", data.AsInt())
	case List:
		buf.WriteByte('l')
		for _, elem := range data.AsList() {
			encodeInto(buf, elem)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		dict := data.AsDict()
		for _, key := range sortedKeys(dict) {
			encodeInto(buf, NewData(key))
			encodeInto(buf, dict[key])
		}
		buf.WriteByte('e')
	}
}
