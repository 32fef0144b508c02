package sysinfo

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSELinuxMode(t *testing.T) {
	tests := []struct {
		name    string
		enforce string
		want    string
	}{
		{"enforcing", "1\n", SELinuxEnforcing},
		{"permissive", "0", SELinuxPermissive},
		{"not mounted", "", SELinuxDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if tt.enforce != "" {
				if err := os.WriteFile(filepath.Join(root, "enforce"), []byte(tt.enforce), 0644); err != nil {
					t.Fatal(err)
				}
			}
			if got := selinuxMode(root); got != tt.want {
				t.Errorf("selinuxMode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollect(t *testing.T) {
	d, err := Collect(context.Background(), "1.2.3")
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if d.Arch != runtime.GOARCH {
		t.Errorf("Arch = %q, want %q", d.Arch, runtime.GOARCH)
	}
	if d.DaemonVersion != "1.2.3" {
		t.Errorf("DaemonVersion = %q", d.DaemonVersion)
	}
	if d.SELinux == "" {
		t.Error("SELinux mode not set")
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Collect(ctx, ""); err == nil {
		t.Error("expected error for cancelled context")
	}
}
