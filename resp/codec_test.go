package resp

import (
	"bytes"
	"testing"
)

func TestEncodeSimpleCommand(t *testing.T) {
	out, err := Encode("get", "foo")
	if err != nil {
		t.Fatal(err)
	}
	expected := "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"
	if string(out) != expected {
		t.Fatalf("unexpected encoding: %q", out)
	}
}

func TestEncodeMixedArgTypes(t *testing.T) {
	out, err := Encode("set", "foo", []byte("bar"), 42, 3.5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(out, []byte("*5\r\n$3\r\nSET\r\n")) {
		t.Fatalf("unexpected prefix: %q", out)
	}
}

func TestEncodeUnsupportedArgType(t *testing.T) {
	_, err := Encode("set", "foo", struct{}{})
	if err != ErrEncodingUnsupported {
		t.Fatalf("expected ErrEncodingUnsupported, got %v", err)
	}
}

func TestEncodeNonFiniteFloat(t *testing.T) {
	_, err := Encode("incrbyfloat", "foo", 1.0/zero())
	if err != ErrEncodingUnsupported {
		t.Fatalf("expected ErrEncodingUnsupported for +Inf, got %v", err)
	}
}

func zero() float64 { return 0 }
