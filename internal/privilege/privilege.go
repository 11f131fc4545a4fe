// Package privilege inspects the privileges pdbg runs with: whether it may
// ptrace other processes, and who the invoking user is when run under sudo.
package privilege

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// capSysPtrace is the CAP_SYS_PTRACE bit (include/uapi/linux/capability.h).
const capSysPtrace = 19

// yamaScopePath holds the Yama LSM ptrace restriction level.
const yamaScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// UserContext represents the identity of the original user when running under
// privilege escalation.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// PtraceReport describes whether the current process can attach to others.
type PtraceReport struct {
	EUID         int
	CapSysPtrace bool
	// YamaScope is the value of kernel.yama.ptrace_scope, or -1 when Yama is absent.
	YamaScope int
}

// Problems lists human-readable reasons an attach to a non-child process is
// likely to be refused. Empty means no obstacle was detected.
func (r PtraceReport) Problems() []string {
	privileged := r.EUID == 0 || r.CapSysPtrace

	var problems []string
	switch r.YamaScope {
	case 1:
		if !privileged {
			problems = append(problems, "kernel.yama.ptrace_scope=1 restricts ptrace to descendants; run as root or grant CAP_SYS_PTRACE")
		}
	case 2:
		if !privileged {
			problems = append(problems, "kernel.yama.ptrace_scope=2 requires CAP_SYS_PTRACE")
		}
	case 3:
		problems = append(problems, "kernel.yama.ptrace_scope=3 disables ptrace attach entirely")
	}
	return problems
}

// CheckPtrace inspects the effective capabilities and the Yama ptrace scope.
// Detection failures are treated as "no information", not as errors.
func CheckPtrace() PtraceReport {
	report := PtraceReport{EUID: os.Geteuid(), YamaScope: -1}

	if f, err := os.Open("/proc/self/status"); err == nil {
		if capEff, err := readCapabilityBitmask(f, "CapEff"); err == nil {
			report.CapSysPtrace = hasCapability(capEff, capSysPtrace)
		}
		_ = f.Close()
	}

	if data, err := os.ReadFile(yamaScopePath); err == nil {
		if scope, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			report.YamaScope = scope
		}
	}

	return report
}

// readCapabilityBitmask reads a capability bitmask line such as
// "CapEff:\t00000000a80435fb" from a /proc status file.
func readCapabilityBitmask(r io.Reader, capName string) (uint64, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, capName+":") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			return 0, fmt.Errorf("invalid %s format: %s", capName, line)
		}

		bitmask, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse %s bitmask: %w", capName, err)
		}
		return bitmask, nil
	}

	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s not found", capName)
}

func hasCapability(bitmask uint64, capBit int) bool {
	return bitmask&(1<<uint(capBit)) != 0
}

// DetectOriginalUser extracts user identity, accounting for sudo execution.
// Debuggers are commonly run under sudo; config and history files still
// belong in the invoking user's home directory.
func DetectOriginalUser() (*UserContext, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return getCurrentUser()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}

	return &UserContext{
		Username: sudoUser,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

func getCurrentUser() (*UserContext, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	return &UserContext{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot checks if the current process is running with root privileges (euid
// == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}

// IsRunningUnderSudo checks if the process is running under sudo.
func IsRunningUnderSudo() bool {
	return os.Getenv("SUDO_USER") != ""
}

// FixFileOwnership hands a file created while running as root back to the
// user who invoked sudo. It is a no-op when not running as root.
func FixFileOwnership(path string) error {
	if !IsRoot() || !IsRunningUnderSudo() {
		return nil
	}

	userCtx, err := DetectOriginalUser()
	if err != nil {
		return fmt.Errorf("failed to detect original user: %w", err)
	}

	if err := os.Chown(path, userCtx.UID, userCtx.GID); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, userCtx.UID, userCtx.GID, err)
	}

	return nil
}
