package signature

import "testing"

func TestDeriveDeterministic(t *testing.T) {
	secret := []byte("test-secret")
	f := Fields{UserAgentFamily: "Chrome", RemoteIP: "203.0.113.42", AcceptLanguage: "en-US,en;q=0.9"}

	a := Derive(secret, f)
	b := Derive(secret, f)
	if a != b {
		t.Errorf("Derive not deterministic: %q != %q", a, b)
	}
	if len(a) != 26 {
		t.Errorf("expected 26-char signature, got %d: %q", len(a), a)
	}
}

func TestDeriveDiffersByInput(t *testing.T) {
	secret := []byte("test-secret")
	a := Derive(secret, Fields{UserAgentFamily: "Chrome", RemoteIP: "203.0.113.1"})
	b := Derive(secret, Fields{UserAgentFamily: "Firefox", RemoteIP: "203.0.113.1"})
	if a == b {
		t.Error("expected different signatures for different user agents")
	}
}

func TestDeriveIPSlash24Stability(t *testing.T) {
	secret := []byte("test-secret")
	a := Derive(secret, Fields{UserAgentFamily: "Chrome", RemoteIP: "203.0.113.1"})
	b := Derive(secret, Fields{UserAgentFamily: "Chrome", RemoteIP: "203.0.113.254"})
	if a != b {
		t.Error("expected same signature for IPs in the same /24")
	}
}

func TestDeriveDifferentSecretsDiffer(t *testing.T) {
	f := Fields{UserAgentFamily: "Chrome", RemoteIP: "203.0.113.1"}
	a := Derive([]byte("secret-a"), f)
	b := Derive([]byte("secret-b"), f)
	if a == b {
		t.Error("rotating the secret should invalidate prior signatures")
	}
}
