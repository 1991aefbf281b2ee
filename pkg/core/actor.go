package core

import "strings"

// Actor is the identity a command runs on behalf of.
type Actor struct {
	ID    string
	Roles []string
}

// Anonymous is used when no actor is supplied.
var Anonymous = Actor{ID: "anonymous", Roles: []string{"user"}}

// NewActor builds an actor from an id and a comma separated role list.
func NewActor(id, roles string) Actor {
	a := Actor{ID: strings.TrimSpace(id)}
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
			a.Roles = append(a.Roles, r)
		}
	}
	if a.ID == "" {
		a.ID = Anonymous.ID
	}
	return a
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if a.HasRole(r) {
			return true
		}
	}
	return false
}
