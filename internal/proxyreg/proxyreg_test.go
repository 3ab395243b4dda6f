package proxyreg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHostname_MatchesBase32OfHexDecodedHash(t *testing.T) {
	// "deadbeef" as hex decodes to 4 bytes: 0xde 0xad 0xbe 0xef.
	// Standard base32 (unpadded, lowercased) of those bytes is "32w353y".
	got, err := Hostname("deadbeef")
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}
	want := "32w353y"
	if got != want {
		t.Fatalf("Hostname(deadbeef) = %q, want %q", got, want)
	}
}

func TestHostname_RejectsNonHex(t *testing.T) {
	if _, err := Hostname("not-hex!"); err == nil {
		t.Fatal("expected error for non-hex vm_hash")
	}
}

func TestVmHashFromHost_RoundTripsWithHostname(t *testing.T) {
	host, err := Hostname("deadbeef")
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}

	got, ok := VmHashFromHost(host+".fn.example.com:8443", "fn.example.com")
	if !ok {
		t.Fatal("expected VmHashFromHost to succeed")
	}
	if got != "deadbeef" {
		t.Fatalf("got %q, want %q", got, "deadbeef")
	}
}

func TestVmHashFromHost_RejectsWrongZone(t *testing.T) {
	host, _ := Hostname("deadbeef")
	if _, ok := VmHashFromHost(host+".other.example.com", "fn.example.com"); ok {
		t.Fatal("expected rejection for mismatched parent zone")
	}
}

func TestVmHashFromHost_RejectsMultiLabelSubdomain(t *testing.T) {
	if _, ok := VmHashFromHost("a.b.fn.example.com", "fn.example.com"); ok {
		t.Fatal("expected rejection for multi-label subdomain")
	}
}

func TestCaddyClient_RegisterPutsIdempotentRoute(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCaddyClient(srv.URL, "fn.example.com")
	fqdn, err := c.Register(context.Background(), "deadbeef", "127.0.0.1:9000")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if fqdn != "32w353y.fn.example.com" {
		t.Fatalf("unexpected fqdn: %s", fqdn)
	}
	if gotMethod != http.MethodPut {
		t.Fatalf("expected PUT, got %s", gotMethod)
	}
	if gotPath != "/config/apps/http/servers/srv0/routes/0" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotBody["@id"] != "subroute-deadbeef" {
		t.Fatalf("expected idempotent route id, got %v", gotBody["@id"])
	}
}

func TestCaddyClient_UnregisterDeletesByID(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewCaddyClient(srv.URL, "")
	if err := c.Unregister(context.Background(), "deadbeef"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("expected DELETE, got %s", gotMethod)
	}
	if gotPath != "/id/subroute-deadbeef" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestCaddyClient_UnregisterToleratesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCaddyClient(srv.URL, "")
	if err := c.Unregister(context.Background(), "deadbeef"); err != nil {
		t.Fatalf("expected no error for already-gone route, got %v", err)
	}
}
