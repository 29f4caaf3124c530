package dns

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mjl-/adns"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("xmox.nl", Domain{"xmox.nl", ""}, nil)
	test("XMOX.NL", Domain{"xmox.nl", ""}, nil)
	test("TEST☺.XMOX.NL", Domain{"xn--test-3o3b.xmox.nl", "test☺.xmox.nl"}, nil)
	test("xmox.nl.", Domain{}, errTrailingDot)
}

func TestOrganizationalDomain(t *testing.T) {
	test := func(s, exp string) {
		t.Helper()
		d, err := ParseDomain(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if od := OrganizationalDomain(d); od.ASCII != exp {
			t.Fatalf("organizational domain of %q: got %q, expected %q", s, od.ASCII, exp)
		}
	}
	test("mail.example.com", "example.com")
	test("example.com", "example.com")
	test("a.b.example.co.uk", "example.co.uk")
	test("com", "com")
}

func TestErrors(t *testing.T) {
	nf := &adns.DNSError{Err: "no record", IsNotFound: true}
	temp := &adns.DNSError{Err: "temp", IsTemporary: true}
	if !IsNotFound(fmt.Errorf("wrapped: %w", nf)) || IsNotFound(temp) || IsNotFound(nil) {
		t.Fatalf("IsNotFound mismatch")
	}
	if !IsTemporary(temp) || IsTemporary(nf) {
		t.Fatalf("IsTemporary mismatch")
	}
}
