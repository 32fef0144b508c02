// Package policy holds per-uid superuser decisions and the daemon-wide
// settings that shape how requests are evaluated.
package policy

import (
	"fmt"
	"time"
)

// Decision is a superuser policy outcome. Query means "no answer yet" and
// is never stored or returned as a final result.
type Decision int32

const (
	Query Decision = iota
	Deny
	Allow
)

func (d Decision) String() string {
	switch d {
	case Query:
		return "query"
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	default:
		return fmt.Sprintf("decision(%d)", int32(d))
	}
}

// Final reports whether d is a storable, returnable outcome.
func (d Decision) Final() bool {
	return d == Deny || d == Allow
}

// Policy is the stored decision for one evaluated uid.
type Policy struct {
	UID      int32    `json:"uid"`
	Decision Decision `json:"policy"`

	// Until is the unix time the policy expires; 0 means never.
	Until int64 `json:"until"`

	// Logging and Notification tell the manager whether to record and
	// announce uses of this grant.
	Logging      bool `json:"logging"`
	Notification bool `json:"notification"`
}

// Active reports whether the policy is in force at now.
func (p Policy) Active(now time.Time) bool {
	return p.Decision.Final() && (p.Until == 0 || p.Until > now.Unix())
}

// RootAccess restricts which kinds of requester may ask for root at all.
type RootAccess int32

const (
	RootAccessDisabled RootAccess = iota
	RootAccessAppsOnly
	RootAccessAdbOnly
	RootAccessAppsAndAdb
)

// ParseRootAccess maps configuration names to RootAccess values.
func ParseRootAccess(s string) (RootAccess, error) {
	switch s {
	case "disabled":
		return RootAccessDisabled, nil
	case "apps":
		return RootAccessAppsOnly, nil
	case "adb":
		return RootAccessAdbOnly, nil
	case "apps_and_adb", "":
		return RootAccessAppsAndAdb, nil
	default:
		return 0, fmt.Errorf("unknown root access mode %q", s)
	}
}

// MultiuserMode controls how secondary user spaces are evaluated.
type MultiuserMode int32

const (
	// MultiuserOwnerOnly denies every request from a non-owner user.
	MultiuserOwnerOnly MultiuserMode = iota
	// MultiuserOwnerManaged evaluates secondary users against the owner's
	// policy for the same app, with the owner's manager prompting.
	MultiuserOwnerManaged
	// MultiuserUser gives every user space its own policies and manager.
	MultiuserUser
)

// ParseMultiuserMode maps configuration names to MultiuserMode values.
func ParseMultiuserMode(s string) (MultiuserMode, error) {
	switch s {
	case "owner_only", "":
		return MultiuserOwnerOnly, nil
	case "owner_managed":
		return MultiuserOwnerManaged, nil
	case "user":
		return MultiuserUser, nil
	default:
		return 0, fmt.Errorf("unknown multiuser mode %q", s)
	}
}
