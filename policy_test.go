package mcphost_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MegaGrindStone/mcphost"
)

func TestParseTrustLevel(t *testing.T) {
	for _, s := range []string{"untrusted", "community", "verified", "enterprise"} {
		if got, err := mcphost.ParseTrustLevel(s); err != nil || string(got) != s {
			t.Errorf("ParseTrustLevel(%q) = %s, %v", s, got, err)
		}
	}
	for _, s := range []string{"", "Enterprise", "admin"} {
		if _, err := mcphost.ParseTrustLevel(s); err == nil {
			t.Errorf("ParseTrustLevel(%q) succeeded", s)
		}
	}
}

func TestPermissionPolicy(t *testing.T) {
	tests := []struct {
		name             string
		trust            mcphost.TrustLevel
		allowed          []string
		wantConfirmation bool
		allows           map[string]bool
	}{
		{
			name:             "untrusted allows everything but confirms",
			trust:            mcphost.TrustUntrusted,
			wantConfirmation: true,
			allows:           map[string]bool{"read_file": true, "write_file": true},
		},
		{
			name:             "community with an allowed list",
			trust:            mcphost.TrustCommunity,
			allowed:          []string{"read_file"},
			wantConfirmation: true,
			allows:           map[string]bool{"read_file": true, "write_file": false},
		},
		{
			name:             "verified confirms",
			trust:            mcphost.TrustVerified,
			wantConfirmation: true,
			allows:           map[string]bool{"write_file": true},
		},
		{
			name:             "server-qualified entries",
			trust:            mcphost.TrustCommunity,
			allowed:          []string{"files/write_file", "search"},
			wantConfirmation: true,
			allows: map[string]bool{
				"files/write_file":  true,
				"backup/write_file": false,
				"files/search":      true,
				"web/search":        true,
				"files/read_file":   false,
			},
		},
		{
			name:    "enterprise skips confirmation",
			trust:   mcphost.TrustEnterprise,
			allowed: []string{"write_file", "read_file"},
			allows:  map[string]bool{"write_file": true, "delete_file": false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := mcphost.NewPermissionPolicy(tt.trust, tt.allowed)
			if err != nil {
				t.Fatalf("NewPermissionPolicy() error = %v", err)
			}
			if got := p.RequiresConfirmation(); got != tt.wantConfirmation {
				t.Errorf("RequiresConfirmation() = %v, want %v", got, tt.wantConfirmation)
			}
			for op, want := range tt.allows {
				server, name, found := strings.Cut(op, "/")
				if !found {
					server, name = "files", op
				}
				if got := p.Allows(server, name); got != want {
					t.Errorf("Allows(%s, %s) = %v, want %v", server, name, got, want)
				}
			}
			want := slices.Sorted(slices.Values(tt.allowed))
			if got := p.AllowedOperations(); !slices.Equal(got, want) {
				t.Errorf("AllowedOperations() = %v, want %v", got, want)
			}
		})
	}
}

func TestZeroPolicyAllowsNothing(t *testing.T) {
	var p mcphost.PermissionPolicy
	if p.Allows("files", "read_file") {
		t.Error("zero policy allows operations")
	}
	if _, err := mcphost.NewPermissionPolicy("root", nil); err == nil {
		t.Error("NewPermissionPolicy() accepted an unknown trust level")
	}
}
