package grpcsession

import (
	"testing"

	"github.com/matrixspace/fabric/locator"
)

func TestRawCodecRoundTrip(t *testing.T) {
	var c rawCodec
	want := []byte{1, 2, 3, 4, 5}

	encoded, err := c.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	if err := c.Unmarshal(encoded, &got); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMethodPathUsesIdentifierWhenPresent(t *testing.T) {
	loc := locator.ConnectionLocator{Host: "h", Port: 1, Identifier: "Trade"}
	if got := methodPath(loc); got != "/fabric.RawFacility/Trade" {
		t.Fatalf("unexpected method path: %q", got)
	}
}

func TestMethodPathFallsBackWithoutIdentifier(t *testing.T) {
	loc := locator.ConnectionLocator{Host: "h", Port: 1}
	if got := methodPath(loc); got != "/fabric.RawFacility/Call" {
		t.Fatalf("unexpected method path: %q", got)
	}
}
