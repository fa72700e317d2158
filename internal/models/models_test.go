package models

import "testing"

func TestScopeKeyRoundTrip(t *testing.T) {
	if got := SpaceScope("s1").Key(); got != "space:s1" {
		t.Errorf("space key = %q, want space:s1", got)
	}
	if got := ZoneScope("s1", "z1").Key(); got != "zone:z1" {
		t.Errorf("zone key = %q, want zone:z1", got)
	}

	scope, err := ParseScopeKey("space:s1")
	if err != nil || scope.Kind != ScopeKindSpace || scope.ID != "s1" {
		t.Errorf("parsed %+v err=%v, want space s1", scope, err)
	}

	// The wire key carries no parent space, so a parsed zone has none.
	scope, err = ParseScopeKey("zone:z1")
	if err != nil || scope.Kind != ScopeKindZone || scope.ID != "z1" || scope.SpaceID != "" {
		t.Errorf("parsed %+v err=%v, want zone z1", scope, err)
	}
}

func TestParseScopeKeyRejectsGarbage(t *testing.T) {
	for _, key := range []string{"", "zone", "zone:", ":z1", "room:z1"} {
		if _, err := ParseScopeKey(key); err == nil {
			t.Errorf("ParseScopeKey(%q) accepted a bad key", key)
		}
	}
}
