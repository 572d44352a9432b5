package signer

import "testing"

func TestValidateIdentityAdHoc(t *testing.T) {
	if err := (&ExecSigner{}).ValidateIdentity("-"); err != nil {
		t.Fatalf("ad-hoc identity should always validate, got %v", err)
	}
}

func TestValidateIdentityEmpty(t *testing.T) {
	if err := (&ExecSigner{}).ValidateIdentity(""); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestExtractTeamIDFromCertificate(t *testing.T) {
	cases := []struct {
		identity string
		want     string
	}{
		{"Apple Distribution: Acme Inc (ABC123DEF4)", "ABC123DEF4"},
		{"Developer ID Application: Acme Inc (ABCDEFGHIJ)", "ABCDEFGHIJ"},
		{"no parens here", ""},
		{"short (BAD)", ""},
	}
	for _, c := range cases {
		if got := ExtractTeamIDFromCertificate(c.identity); got != c.want {
			t.Errorf("ExtractTeamIDFromCertificate(%q) = %q, want %q", c.identity, got, c.want)
		}
	}
}

func TestResolveIdentityExplicit(t *testing.T) {
	got, err := ResolveIdentity("-")
	if err != nil {
		t.Fatal(err)
	}
	if got != "-" {
		t.Fatalf("got %q, want -", got)
	}
}
