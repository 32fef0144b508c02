package executor

import (
	"strconv"
	"strings"

	"github.com/doughall/rootd/internal/protocol"
)

const defaultPath = "/sbin:/system/sbin:/system/bin:/system/xbin:/odm/bin:/vendor/bin:/vendor/xbin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// buildEnv returns the shell's environment. With keep_env the daemon's
// environment is passed through; otherwise a minimal one is built for the
// target user.
func buildEnv(req *protocol.SuRequest, shell string, parent []string) []string {
	if req.KeepEnv {
		return parent
	}

	user := strconv.Itoa(int(req.TargetUID))
	home := "/"
	if req.TargetUID == 0 {
		user = "root"
		home = "/data"
	}

	path := defaultPath
	if v, ok := lookup(parent, "PATH"); ok && v != "" {
		path = v
	}

	env := []string{
		"PATH=" + path,
		"HOME=" + home,
		"SHELL=" + shell,
		"USER=" + user,
		"LOGNAME=" + user,
	}
	if v, ok := lookup(parent, "TERM"); ok && v != "" {
		env = append(env, "TERM="+v)
	}
	return env
}

func lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):], true
		}
	}
	return "", false
}
