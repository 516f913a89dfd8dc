package bencode

import (
	"reflect"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    *Data
		wantErr bool
	}{
		{
			name:    "empty content",
			content: []byte{},
			want:    nil,
		},
		{
			name:    "byte string",
			content: []byte("4:spam"),
			want:    NewData("spam"),
		},
		{
			name:    "integer",
			content: []byte("i42e"),
			want:    NewData(42),
		},
		{
			name:    "negative integer",
			content: []byte("i-42e"),
			want:    NewData(-42),
		},
		{
			name:    "list",
			content: []byte("l4:spam4:eggse"),
			want:    NewData([]any{"spam", "eggs"}),
		},
		{
			name:    "list within list",
			content: []byte("l4:spaml1:a1:bee"),
			want:    NewData([]any{"spam", []any{"a", "b"}}),
		},
		{
			name:    "dictionary",
			content: []byte("d3:cow3:moo4:spam4:eggs3:numi42ee"),
			want:    NewData(map[string]any{"cow": "moo", "spam": "eggs", "num": 42}),
		},
		{
			name:    "unterminated integer",
			content: []byte("i42"),
			wantErr: true,
		},
		{
			name:    "non-string dict key",
			content: []byte("di1e3:fooe"),
			wantErr: true,
		},
		{
			name:    "string length overruns buffer",
			content: []byte("9:short"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _, err := Decode(tt.content)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Decode() got = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeReportsBytesConsumed(t *testing.T) {
	// A second value concatenated after the first must be untouched; the
	// caller walks a .torrent file's top-level dict this way.
	content := []byte("4:spami7e")
	_, n, err := Decode(content)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != 6 {
		t.Fatalf("expected to consume 6 bytes for \"4:spam\", got %d", n)
	}
	rest, _, err := Decode(content[n:])
	if err != nil {
		t.Fatalf("Decode() on remainder error = %v", err)
	}
	if rest.AsInt() != 7 {
		t.Fatalf("expected remainder to decode to 7, got %d", rest.AsInt())
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		data *Data
		want []byte
	}{
		{
			name: "string",
			data: NewData("spam"),
			want: []byte("4:spam"),
		},
		{
			name: "integer",
			data: NewData(42),
			want: []byte("i42e"),
		},
		{
			name: "list",
			data: NewData([]*Data{NewData("spam"), NewData("eggs")}),
			want: []byte("l4:spam4:eggse"),
		},
		{
			name: "dictionary sorts keys lexically",
			data: NewData(map[string]*Data{
				"spam": NewData("eggs"),
				"cow":  NewData("moo"),
			}),
			want: []byte("d3:cow3:moo4:spam4:eggse"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.data)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode() got = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := NewData(map[string]any{
		"name":   "ubuntu.iso",
		"length": 12345,
		"pieces": []any{"a", "b", "c"},
	})
	encoded := Encode(original)
	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("expected to consume all %d bytes, consumed %d", len(encoded), n)
	}
	if !reflect.DeepEqual(decoded, original) {
		t.Errorf("round trip mismatch: got %v, want %v", decoded, original)
	}
}
