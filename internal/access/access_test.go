package access

import (
	"errors"
	"testing"
)

func TestRequireAndGrant(t *testing.T) {
	acl := NewACL("0xAdmin")
	if err := acl.Require("0xadmin", RoleAdmin); err != nil {
		t.Fatalf("expected admin, got %v", err)
	}
	if err := acl.Require("0xkeeper", RoleKeeper, RoleAdmin); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := acl.Grant("0xkeeper", "0xkeeper", RoleKeeper); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin grant should fail, got %v", err)
	}
	if err := acl.Grant("0xadmin", "0xKeeper", RoleKeeper); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := acl.Require("0xkeeper", RoleKeeper); err != nil {
		t.Fatalf("expected keeper, got %v", err)
	}
	if err := acl.Revoke("0xadmin", "0xkeeper", RoleKeeper); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if acl.Has("0xkeeper", RoleKeeper) {
		t.Fatalf("expected keeper revoked")
	}
	if got := acl.Members(RoleAdmin); len(got) != 1 || got[0] != "0xadmin" {
		t.Fatalf("unexpected admins: %v", got)
	}
}

func TestNilACLDeniesEverything(t *testing.T) {
	var acl *ACL
	if acl.Has("anyone", RoleAdmin) {
		t.Fatalf("nil acl should deny")
	}
}
