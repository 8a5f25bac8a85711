package access

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleKeeper Role = "keeper"
)

var ErrUnauthorized = errors.New("unauthorized")

type ACL struct {
	mu    sync.RWMutex
	roles map[string]map[Role]struct{}
}

func NewACL(admins ...string) *ACL {
	acl := &ACL{roles: make(map[string]map[Role]struct{})}
	for _, a := range admins {
		acl.grant(a, RoleAdmin)
	}
	return acl
}

func normalize(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

func (a *ACL) grant(account string, role Role) {
	key := normalize(account)
	if key == "" {
		return
	}
	set, ok := a.roles[key]
	if !ok {
		set = make(map[Role]struct{})
		a.roles[key] = set
	}
	set[role] = struct{}{}
}

func (a *ACL) Has(account string, role Role) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.roles[normalize(account)][role]
	return ok
}

func (a *ACL) Require(account string, roles ...Role) error {
	for _, r := range roles {
		if a.Has(account, r) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q lacks %v", ErrUnauthorized, account, roles)
}

func (a *ACL) Grant(caller, account string, role Role) error {
	if err := a.Require(caller, RoleAdmin); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grant(account, role)
	return nil
}

func (a *ACL) Revoke(caller, account string, role Role) error {
	if err := a.Require(caller, RoleAdmin); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.roles[normalize(account)]; ok {
		delete(set, role)
	}
	return nil
}

func (a *ACL) Members(role Role) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []string
	for account, set := range a.roles {
		if _, ok := set[role]; ok {
			out = append(out, account)
		}
	}
	sort.Strings(out)
	return out
}
