// rights.go moves open file descriptors across the channel with SCM_RIGHTS.
// Each transfer is a one-byte payload plus the descriptors as ancillary data.
package channel

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// SendFiles passes the descriptors of files to the peer. The local copies
// stay open and remain owned by the caller.
func (c *Conn) SendFiles(files ...*os.File) error {
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	return c.SendFds(fds...)
}

// SendFds passes raw descriptors to the peer.
func (c *Conn) SendFds(fds ...int) error {
	rights := unix.UnixRights(fds...)
	n, oobn, err := c.WriteMsgUnix([]byte{0}, rights, nil)
	if err != nil {
		return fmt.Errorf("send fds: %w", err)
	}
	if n != 1 || oobn != len(rights) {
		return fmt.Errorf("send fds: short write")
	}
	return nil
}

// RecvFiles receives exactly n descriptors from the peer. The descriptors
// are duplicates owned by the caller, close-on-exec, wrapped in *os.File.
func (c *Conn) RecvFiles(n int) ([]*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4*n))

	_, oobn, _, _, err := c.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("receive fds: %w", err)
	}

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var fds []int
	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}

	if len(fds) == 0 {
		return nil, ErrMissingRights
	}
	if len(fds) != n {
		for _, fd := range fds {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("%w: got %d, want %d", ErrRightsMismatch, len(fds), n)
	}

	files := make([]*os.File, n)
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("peer-fd-%d", i))
	}
	return files, nil
}
