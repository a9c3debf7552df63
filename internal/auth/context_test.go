// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests AuthContext role helpers and context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestAuthContext_Roles(t *testing.T) {
	tests := []struct {
		role      Role
		wantAdmin bool
		wantAgent bool
	}{
		{role: RoleUser},
		{role: RoleAdmin, wantAdmin: true},
		{role: RoleAgent, wantAgent: true},
		{role: ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			a := &AuthContext{PrincipalID: "p", Role: tt.role}
			if got := a.IsAdmin(); got != tt.wantAdmin {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.wantAdmin)
			}
			if got := a.IsAgent(); got != tt.wantAgent {
				t.Errorf("IsAgent() = %v, want %v", got, tt.wantAgent)
			}
		})
	}
}

func TestFromContext_Present(t *testing.T) {
	expected := &AuthContext{PrincipalID: "bay-1", Role: RoleAgent}

	ctx := WithAuth(context.Background(), expected)
	got := FromContext(ctx)

	if got == nil {
		t.Fatal("FromContext() = nil, want non-nil")
	}
	if got.PrincipalID != expected.PrincipalID {
		t.Errorf("PrincipalID = %q, want %q", got.PrincipalID, expected.PrincipalID)
	}
	if got.Role != expected.Role {
		t.Errorf("Role = %q, want %q", got.Role, expected.Role)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %v, want nil", got)
	}
}

func TestMustFromContext_Present(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{PrincipalID: "alice", Role: RoleUser})

	// Should not panic
	got := MustFromContext(ctx)

	if got.PrincipalID != "alice" {
		t.Errorf("PrincipalID = %q, want %q", got.PrincipalID, "alice")
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("MustFromContext() did not panic when auth context missing")
		}
	}()

	MustFromContext(context.Background())
}

func TestAuthContext_HasRole(t *testing.T) {
	a := &AuthContext{PrincipalID: "alice", Role: RoleUser}

	if !a.HasRole(RoleUser, RoleAdmin) {
		t.Error("HasRole(user, admin) = false for a user")
	}
	if a.HasRole(RoleAgent) {
		t.Error("HasRole(agent) = true for a user")
	}
	if a.HasRole() {
		t.Error("HasRole() with no roles should be false")
	}
}
