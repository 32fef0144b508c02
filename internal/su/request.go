// Package su serves superuser requests: it derives who is asking, resolves
// the request against settings, cached policies and the manager, reports
// the outcome and hands approved requests to the execution engine.
package su

import (
	"github.com/doughall/rootd/internal/channel"
	"github.com/doughall/rootd/internal/manager"
	"github.com/doughall/rootd/internal/policy"
	"github.com/doughall/rootd/internal/protocol"
)

// Well-known Android ids.
const (
	AIDRoot  int32 = 0
	AIDShell int32 = 2000

	// UserOffset separates user spaces: uid = user*UserOffset + app id.
	UserOffset int32 = 100000
)

// UserID returns the user space uid belongs to.
func UserID(uid int32) int32 {
	return uid / UserOffset
}

// AppID returns uid with its user space stripped.
func AppID(uid int32) int32 {
	return uid % UserOffset
}

// AppRequest is a decoded request bound to its kernel-verified requester.
type AppRequest struct {
	ID string

	// UID and PID come from the peer credentials, never from the payload.
	UID int32
	PID int32

	// EvalUID is the uid policies are stored under; ManagerUser is the
	// user space whose manager is asked.
	EvalUID     int32
	ManagerUser int32

	Process string
	Cmdline string

	Request *protocol.SuRequest
}

// NewAppRequest binds req to cred under the given multiuser mode.
func NewAppRequest(id string, cred channel.PeerCred, req *protocol.SuRequest, mode policy.MultiuserMode) *AppRequest {
	uid := int32(cred.UID)
	app := &AppRequest{
		ID:      id,
		UID:     uid,
		PID:     cred.PID,
		EvalUID: uid,
		Request: req,
	}
	switch mode {
	case policy.MultiuserOwnerManaged:
		app.EvalUID = AppID(uid)
	case policy.MultiuserUser:
		app.ManagerUser = UserID(uid)
	}
	return app
}

// NamespacePID is the process whose mount namespace the shell joins: the
// requested target when one is named, the requester otherwise.
func (a *AppRequest) NamespacePID() int32 {
	if a.Request != nil && a.Request.TargetPID > 0 {
		return a.Request.TargetPID
	}
	return a.PID
}

// ManagerRequest is the request as shown to managers and sinks.
func (a *AppRequest) ManagerRequest() manager.Request {
	r := manager.Request{
		RequestID: a.ID,
		UID:       a.UID,
		EvalUID:   a.EvalUID,
		PID:       a.PID,
		Process:   a.Process,
		Cmdline:   a.Cmdline,
	}
	if a.Request != nil {
		r.TargetUID = a.Request.TargetUID
		r.Command = a.Request.Command
		r.Login = a.Request.Login
		r.Context = a.Request.Context
	}
	return r
}
