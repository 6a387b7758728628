package auth

import (
	"errors"
	"reflect"
	"testing"
)

func TestPolicy(t *testing.T) {
	p, err := NewPolicy(map[string][]string{
		"admin":  Permissions,
		"viewer": {PermJobsRead, PermRecipesRead},
	})
	if err != nil {
		t.Fatal(err)
	}
	viewer := Principal{ActorID: "v", Roles: []string{"viewer"}}
	if err := p.Require(viewer, PermJobsRead); err != nil {
		t.Fatalf("viewer should read jobs: %v", err)
	}
	var ferr ForbiddenError
	if err := p.Require(viewer, PermJobsSubmit); !errors.As(err, &ferr) || ferr.Permission != PermJobsSubmit {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if got := p.PermissionsOf(viewer); !reflect.DeepEqual(got, []string{PermJobsRead, PermRecipesRead}) {
		t.Fatalf("permissions: %v", got)
	}
	if p.HasPermission(Principal{Roles: []string{"ghost"}}, PermJobsRead) {
		t.Fatalf("undefined role must grant nothing")
	}
	if !p.KnownRole("admin") || p.KnownRole("ghost") {
		t.Fatalf("KnownRole mismatch")
	}
}

func TestNewPolicyRejectsUnknownPermission(t *testing.T) {
	if _, err := NewPolicy(map[string][]string{"ops": {"jobs.delete"}}); err == nil {
		t.Fatalf("expected error")
	}
}
