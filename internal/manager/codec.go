// Package manager talks to the user-facing manager application that
// prompts for, announces, and records superuser grants.
//
// The manager listens on a unix socket per user space. Each exchange is a
// single CBOR request followed by a single CBOR response on a fresh
// connection; the daemon is always the client.
package manager

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manager: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown fields are ignored so managers may add data freely.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("manager: CBOR decoder initialization failed: " + err.Error())
	}
}
