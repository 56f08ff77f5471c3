package kv

import (
	"errors"
	"testing"
)

type codecSample struct {
	URL   string            `json:"url" msgpack:"url"`
	Depth int               `json:"depth" msgpack:"depth"`
	Meta  map[string]string `json:"meta" msgpack:"meta"`
}

func TestCodecRoundTrip(t *testing.T) {
	in := codecSample{
		URL:   "https://registry.test/api?page=1",
		Depth: 2,
		Meta:  map[string]string{"cursor": "siren:01"},
	}

	for _, c := range []Codec{JSONCodec{}, BinaryCodec{}} {
		data, err := c.Encode(in)
		if err != nil {
			t.Fatalf("%s encode: %v", c.Name(), err)
		}
		var out codecSample
		if err := c.Decode(data, &out); err != nil {
			t.Fatalf("%s decode: %v", c.Name(), err)
		}
		if out.URL != in.URL || out.Depth != in.Depth || out.Meta["cursor"] != in.Meta["cursor"] {
			t.Fatalf("%s round trip mismatch: %+v", c.Name(), out)
		}
	}
}

func TestCodecDecodeError(t *testing.T) {
	var out codecSample
	err := (JSONCodec{}).Decode([]byte("{broken"), &out)
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
}

func TestCodecByName(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "binary": "binary", "msgpack": "binary"} {
		c, err := CodecByName(name)
		if err != nil {
			t.Fatalf("codec %q: %v", name, err)
		}
		if c.Name() != want {
			t.Fatalf("codec %q: got %s, want %s", name, c.Name(), want)
		}
	}
	if _, err := CodecByName("xml"); err == nil {
		t.Fatal("unknown serializer accepted")
	}
}
