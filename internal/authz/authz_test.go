package authz

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestAuthorizer_Allow(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, "", logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetRoles([]string{"guardian-1"}, []string{"operator-1"})

	tests := []struct {
		caller     string
		permission string
		want       bool
	}{
		{"guardian-1", "emergency_pause", true},
		{"guardian-1", "lift_emergency_pause", true},
		{"guardian-1", "lift_action", true},
		{"operator-1", "lift_action", true},
		{"operator-1", "emergency_pause", false},
		{"operator-1", "lift_emergency_pause", false},
		{"stranger", "lift_action", false},
		{"guardian-1", "drop_tables", false},
		{"", "emergency_pause", false},
	}
	for _, tt := range tests {
		t.Run(tt.caller+"/"+tt.permission, func(t *testing.T) {
			got, err := a.Allow(ctx, tt.caller, tt.permission)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tt.want {
				t.Errorf("Allow(%q, %q) = %t, want %t", tt.caller, tt.permission, got, tt.want)
			}
		})
	}
}

func TestAuthorizer_SetRolesReplaces(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, "", logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	a.SetRoles([]string{"guardian-1"}, nil)
	a.SetRoles([]string{"guardian-2"}, nil)
	if ok, _ := a.Allow(ctx, "guardian-1", "emergency_pause"); ok {
		t.Error("removed guardian still allowed")
	}
	if ok, _ := a.Allow(ctx, "guardian-2", "emergency_pause"); !ok {
		t.Error("new guardian not allowed")
	}
}

func TestAuthorizer_CustomPolicy(t *testing.T) {
	ctx := context.Background()
	policy := `package sentinel.authz

default allow := false

allow if input.caller == "break-glass"
`
	a, err := New(ctx, policy, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Allow(ctx, "break-glass", "emergency_pause"); !ok {
		t.Error("custom policy not applied")
	}

	_, err = New(ctx, "package sentinel.authz\nallow if {", logrus.New())
	if err == nil || !strings.Contains(err.Error(), "prepare authorization policy") {
		t.Errorf("New(broken policy) error = %v", err)
	}
}
