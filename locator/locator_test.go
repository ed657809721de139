package locator

import "testing"

func TestParseAndString(t *testing.T) {
	loc, err := Parse("host1:5561/facilityA?topic=x&mode=fast")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if loc.Host != "host1" || loc.Port != 5561 || loc.Identifier != "facilityA" {
		t.Fatalf("unexpected locator: %+v", loc)
	}
	if loc.Properties["topic"] != "x" || loc.Properties["mode"] != "fast" {
		t.Fatalf("unexpected properties: %+v", loc.Properties)
	}
}

func TestKeyIgnoresPropertyOrder(t *testing.T) {
	a, err := Parse("host1:5561?a=1&b=2")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("host1:5561?b=2&a=1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Key() != b.Key() {
		t.Fatalf("keys differ for reordered properties: %q vs %q", a.Key(), b.Key())
	}
}

func TestHostPortStripsIdentifierAndProperties(t *testing.T) {
	loc, err := Parse("host1:5561/facilityA?topic=x")
	if err != nil {
		t.Fatal(err)
	}
	hp := loc.HostPort()
	if hp.Identifier != "" || len(hp.Properties) != 0 {
		t.Fatalf("HostPort did not strip extras: %+v", hp)
	}
	if hp.Address() != "host1:5561" {
		t.Fatalf("unexpected address: %s", hp.Address())
	}
}

func TestParseMissingHost(t *testing.T) {
	if _, err := Parse(":5561"); err == nil {
		t.Fatal("expected error for missing host")
	}
}
