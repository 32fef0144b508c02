package channel

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func listen(t *testing.T) *Listener {
	t.Helper()
	ln, err := Listen(filepath.Join(t.TempDir(), "d.sock"))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// pair returns a connected (server, client) pair.
func pair(t *testing.T, ln *Listener) (*Conn, *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errs <- err
			return
		}
		accepted <- c
	}()

	client, err := Dial(ln.Path(), time.Second)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-accepted:
		t.Cleanup(func() { server.Close() })
		return server, client
	case err := <-errs:
		t.Fatalf("Accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	return nil, nil
}

func TestAcceptReadsKernelCredentials(t *testing.T) {
	ln := listen(t)
	server, _ := pair(t, ln)

	cred := server.Cred()
	if cred.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", cred.PID, os.Getpid())
	}
	if cred.UID != uint32(os.Getuid()) {
		t.Errorf("UID = %d, want %d", cred.UID, os.Getuid())
	}
	if cred.GID != uint32(os.Getgid()) {
		t.Errorf("GID = %d, want %d", cred.GID, os.Getgid())
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	if err := os.WriteFile(path, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen over stale file failed: %v", err)
	}
	ln.Close()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected socket file removed after Close, stat err = %v", err)
	}
}

func TestFileDescriptorPassing(t *testing.T) {
	ln := listen(t)
	server, client := pair(t, ln)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := client.SendFiles(w, w, w); err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}

	files, err := server.RecvFiles(3)
	if err != nil {
		t.Fatalf("RecvFiles failed: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("got %d files, want 3", len(files))
	}

	if _, err := files[1].Write([]byte("ping")); err != nil {
		t.Fatalf("write through received fd: %v", err)
	}
	for _, f := range files {
		f.Close()
	}
	w.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Errorf("read %q through original pipe, want %q", got, "ping")
	}
}

func TestRecvFilesCountMismatch(t *testing.T) {
	ln := listen(t)
	server, client := pair(t, ln)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := client.SendFiles(r); err != nil {
		t.Fatal(err)
	}
	_, err = server.RecvFiles(3)
	if !errors.Is(err, ErrRightsMismatch) {
		t.Fatalf("expected ErrRightsMismatch, got %v", err)
	}
}

func TestRecvFilesWithoutRights(t *testing.T) {
	ln := listen(t)
	server, client := pair(t, ln)

	if _, err := client.Write([]byte{0}); err != nil {
		t.Fatal(err)
	}
	if _, err := server.RecvFiles(3); !errors.Is(err, ErrMissingRights) {
		t.Fatalf("expected ErrMissingRights, got %v", err)
	}
}
