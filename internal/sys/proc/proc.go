// Package proc provides process and thread discovery for traced processes on
// Linux. It parses the /proc filesystem for the details ptrace does not report
// (thread lists, memory mappings, tracer ownership).
package proc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/coral-mesh/pdbg/internal/safe"
)

// Mapping is one line of /proc/PID/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string // e.g. "r-xp"
	Offset uint64
	Path   string
}

// Contains reports whether addr falls inside the mapping.
func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Start && addr < m.End
}

// Readable, Writable and Executable decode the permission column.
func (m Mapping) Readable() bool   { return len(m.Perms) > 0 && m.Perms[0] == 'r' }
func (m Mapping) Writable() bool   { return len(m.Perms) > 1 && m.Perms[1] == 'w' }
func (m Mapping) Executable() bool { return len(m.Perms) > 2 && m.Perms[2] == 'x' }

// ProcessExists reports whether a process with the given PID is running.
func ProcessExists(ctx context.Context, pid int) (bool, error) {
	pid32, clamped := safe.IntToInt32(pid)
	if clamped || pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, pid32)
}

// ProcessName returns the command name of the process, or "" when it cannot be read.
func ProcessName(ctx context.Context, pid int) string {
	pid32, clamped := safe.IntToInt32(pid)
	if clamped {
		return ""
	}
	p, err := process.NewProcessWithContext(ctx, pid32)
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

// ListThreads returns the thread IDs of pid from /proc/PID/task, sorted ascending.
func ListThreads(pid int) ([]int, error) {
	entries, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read threads of %d: %w", pid, err)
	}

	tids := make([]int, 0, len(entries))
	for _, entry := range entries {
		tid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)

	return tids, nil
}

// GetBinaryPath returns the path to the executable for the given PID.
func GetBinaryPath(pid int) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// TracerPid returns the PID of the process currently tracing pid, or 0.
func TracerPid(pid int) (int, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid)) // #nosec G304: pid is int so it's safe
	if err != nil {
		return 0, err
	}
	defer f.Close() // nolint:errcheck

	return parseTracerPid(f)
}

func parseTracerPid(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "TracerPid:")))
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("TracerPid not found")
}

// ReadMaps parses /proc/PID/maps.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid)) // #nosec G304: pid is int so it's safe
	if err != nil {
		return nil, fmt.Errorf("failed to read maps: %w", err)
	}
	defer f.Close() // nolint:errcheck

	return parseMaps(f)
}

// FindMapping returns the mapping that contains addr.
func FindMapping(maps []Mapping, addr uint64) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// parseMaps parses the maps format:
//
//	address           perms offset  dev   inode   pathname
//	555555554000-555555556000 r-xp 00000000 08:01 123456 /path/to/binary
func parseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}

		start, end, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}
		startAddr, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}
		endAddr, err := strconv.ParseUint(end, 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}

		m := Mapping{
			Start:  startAddr,
			End:    endAddr,
			Perms:  fields[1],
			Offset: offset,
		}
		if len(fields) >= 6 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse maps: %w", err)
	}

	return maps, nil
}
