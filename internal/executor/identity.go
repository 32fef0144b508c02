package executor

import (
	"errors"
	"syscall"
)

// identityApplier receives the steps of an identity switch. Groups must be
// set before the group id, and the group id before the user id.
type identityApplier interface {
	Setgroups(gids []uint32) error
	Setgid(gid uint32) error
	Setuid(uid uint32) error
}

var errIdentityOrder = errors.New("identity switch out of order")

// switchIdentity moves to uid with exactly groups as supplementary groups.
// The primary group id equals the user id.
func switchIdentity(a identityApplier, uid int32, groups []uint32) error {
	if uid < 0 {
		return errors.New("negative uid")
	}
	if err := a.Setgroups(groups); err != nil {
		return err
	}
	if err := a.Setgid(uint32(uid)); err != nil {
		return err
	}
	return a.Setuid(uint32(uid))
}

// credentialBuilder records an identity switch as a syscall.Credential.
// The runtime applies it in the child after fork in the same order:
// setgroups, setgid, setuid.
type credentialBuilder struct {
	cred   *syscall.Credential
	gidSet bool
}

func (b *credentialBuilder) Setgroups(gids []uint32) error {
	if b.cred != nil {
		return errIdentityOrder
	}
	// A non-nil empty slice clears the inherited groups.
	b.cred = &syscall.Credential{Groups: append([]uint32{}, gids...)}
	return nil
}

func (b *credentialBuilder) Setgid(gid uint32) error {
	if b.cred == nil || b.gidSet {
		return errIdentityOrder
	}
	b.cred.Gid = gid
	b.gidSet = true
	return nil
}

func (b *credentialBuilder) Setuid(uid uint32) error {
	if !b.gidSet {
		return errIdentityOrder
	}
	b.cred.Uid = uid
	return nil
}
