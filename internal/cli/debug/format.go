package debug

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/coral-mesh/pdbg/internal/cli/helpers"
	"github.com/coral-mesh/pdbg/internal/debugger"
	"github.com/coral-mesh/pdbg/internal/osdebug"
)

// ThreadRegisters is the register snapshot of one thread.
type ThreadRegisters struct {
	TID       int                `json:"tid"`
	Registers *osdebug.Registers `json:"-"`
	Err       error              `json:"-"`
}

// MarshalJSON renders registers as hex strings keyed by name.
func (t ThreadRegisters) MarshalJSON() ([]byte, error) {
	out := struct {
		TID       int               `json:"tid"`
		Registers map[string]string `json:"registers,omitempty"`
		Error     string            `json:"error,omitempty"`
	}{TID: t.TID}
	if t.Err != nil {
		out.Error = t.Err.Error()
	}
	if t.Registers != nil {
		out.Registers = make(map[string]string)
		for _, r := range namedRegisters(t.Registers) {
			out.Registers[r.name] = fmt.Sprintf("%#x", r.value)
		}
	}
	return json.Marshal(out)
}

type namedRegister struct {
	name  string
	value uint64
}

// namedRegisters lists the registers in display order.
func namedRegisters(r *osdebug.Registers) []namedRegister {
	return []namedRegister{
		{"rax", r.Rax}, {"rbx", r.Rbx}, {"rcx", r.Rcx}, {"rdx", r.Rdx},
		{"rsi", r.Rsi}, {"rdi", r.Rdi}, {"rbp", r.Rbp}, {"rsp", r.Rsp},
		{"r8", r.R8}, {"r9", r.R9}, {"r10", r.R10}, {"r11", r.R11},
		{"r12", r.R12}, {"r13", r.R13}, {"r14", r.R14}, {"r15", r.R15},
		{"rip", r.Rip}, {"eflags", r.Eflags},
		{"dr0", r.Dr[0]}, {"dr1", r.Dr[1]}, {"dr2", r.Dr[2]}, {"dr3", r.Dr[3]},
		{"dr6", r.Dr6}, {"dr7", r.Dr7},
	}
}

// ThreadList is the thread listing of one process.
type ThreadList struct {
	PID     int    `json:"pid"`
	Name    string `json:"name,omitempty"`
	Threads []int  `json:"threads"`
}

// Breakpoints is a snapshot of the three breakpoint tables.
type Breakpoints struct {
	Software []SoftwareRow `json:"software"`
	Hardware []HardwareRow `json:"hardware"`
	Memory   []MemoryRow   `json:"memory"`
}

type SoftwareRow struct {
	Address      Address `header:"ADDRESS" json:"address"`
	OriginalByte string  `header:"ORIGINAL" json:"original_byte"`
}

type HardwareRow struct {
	Slot      int     `header:"SLOT" json:"slot"`
	Address   Address `header:"ADDRESS" json:"address"`
	Length    int     `header:"LEN" json:"length"`
	Condition string  `header:"CONDITION" json:"condition"`
}

type MemoryRow struct {
	Address    Address `header:"ADDRESS" json:"address"`
	Size       Address `header:"SIZE" json:"size"`
	Pages      int     `header:"PAGES" json:"pages"`
	Protection string  `header:"PROTECTION" json:"original_protection"`
}

// MarshalJSON keeps addresses as hex strings.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// snapshotBreakpoints collects the live breakpoint tables of d.
func snapshotBreakpoints(d *debugger.Debugger) Breakpoints {
	out := Breakpoints{
		Software: []SoftwareRow{},
		Hardware: []HardwareRow{},
		Memory:   []MemoryRow{},
	}
	for _, bp := range d.Software.List() {
		out.Software = append(out.Software, SoftwareRow{
			Address:      Address(bp.Address),
			OriginalByte: fmt.Sprintf("%#02x", bp.OriginalByte),
		})
	}
	for _, bp := range d.Hardware.List() {
		out.Hardware = append(out.Hardware, HardwareRow{
			Slot:      bp.Slot,
			Address:   Address(bp.Address),
			Length:    bp.Length,
			Condition: bp.Condition.String(),
		})
	}
	for _, bp := range d.Memory.List() {
		out.Memory = append(out.Memory, MemoryRow{
			Address:    Address(bp.Address),
			Size:       Address(bp.Size),
			Pages:      len(bp.Pages),
			Protection: bp.OriginalProtection.String(),
		})
	}
	return out
}

// reportView is the serialised form of a debugger.Report.
type reportView struct {
	Kind         string  `json:"kind"`
	Event        string  `json:"event"`
	PID          int     `json:"pid"`
	TID          int     `json:"tid"`
	Code         string  `json:"code,omitempty"`
	Address      Address `json:"address"`
	Slot         *int    `json:"slot,omitempty"`
	Region       Address `json:"region,omitempty"`
	Continuation string  `json:"continuation"`
	Error        string  `json:"error,omitempty"`
}

func newReportView(r debugger.Report) reportView {
	v := reportView{
		Kind:         r.Kind.String(),
		Event:        r.Event.Kind.String(),
		PID:          r.Event.PID,
		TID:          r.Event.ThreadID,
		Address:      Address(r.Address),
		Region:       Address(r.Region),
		Continuation: r.Continuation.String(),
	}
	if r.Event.Kind == osdebug.EventException {
		v.Code = r.Event.Code.String()
	}
	if r.Slot >= 0 {
		slot := r.Slot
		v.Slot = &slot
	}
	if r.Err != nil {
		v.Error = r.Err.Error()
	}
	return v
}

// OutputFormatter formats debug command output.
type OutputFormatter interface {
	FormatRegisters(threads []ThreadRegisters) (string, error)
	FormatThreads(list ThreadList) (string, error)
	FormatReport(r debugger.Report) (string, error)
	FormatBreakpoints(bps Breakpoints) (string, error)
}

// NewFormatter creates an output formatter for the given format.
func NewFormatter(format helpers.OutputFormat) OutputFormatter {
	if format == helpers.FormatJSON {
		return &JSONFormatter{}
	}
	return &TextFormatter{}
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	hitStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

const registersPerRow = 4

// TextFormatter formats output as human-readable text.
type TextFormatter struct{}

func (f *TextFormatter) FormatRegisters(threads []ThreadRegisters) (string, error) {
	var buf strings.Builder
	for i, t := range threads {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(titleStyle.Render(fmt.Sprintf("Thread %d", t.TID)))
		buf.WriteString("\n")
		if t.Err != nil {
			buf.WriteString("  " + errorStyle.Render(t.Err.Error()) + "\n")
			continue
		}

		regs := namedRegisters(t.Registers)
		for j := 0; j < len(regs); j += registersPerRow {
			cells := make([]string, 0, registersPerRow)
			for _, r := range regs[j:min(j+registersPerRow, len(regs))] {
				cells = append(cells, fmt.Sprintf("%s %s",
					nameStyle.Width(7).Align(lipgloss.Right).Render(r.name),
					fmt.Sprintf("%016x", r.value)))
			}
			buf.WriteString(strings.Join(cells, "  "))
			buf.WriteString("\n")
		}
	}
	return buf.String(), nil
}

func (f *TextFormatter) FormatThreads(list ThreadList) (string, error) {
	var buf strings.Builder
	title := fmt.Sprintf("Process %d", list.PID)
	if list.Name != "" {
		title += " (" + list.Name + ")"
	}
	buf.WriteString(titleStyle.Render(title))
	buf.WriteString("\n")
	for _, tid := range list.Threads {
		marker := ""
		if tid == list.PID {
			marker = nameStyle.Render(" main")
		}
		fmt.Fprintf(&buf, "  %d%s\n", tid, marker)
	}
	fmt.Fprintf(&buf, "%d thread(s)\n", len(list.Threads))
	return buf.String(), nil
}

func (f *TextFormatter) FormatReport(r debugger.Report) (string, error) {
	v := newReportView(r)

	var line string
	switch r.Kind {
	case debugger.ReportSoftwareHit:
		line = hitStyle.Render("breakpoint") + fmt.Sprintf(" %s tid=%d", v.Address, v.TID)
	case debugger.ReportHardwareHit:
		line = hitStyle.Render("hw-breakpoint") + fmt.Sprintf(" slot=%d %s tid=%d", r.Slot, v.Address, v.TID)
	case debugger.ReportMemoryHit:
		line = hitStyle.Render("mem-breakpoint") + fmt.Sprintf(" %s region=%s tid=%d", v.Address, v.Region, v.TID)
	case debugger.ReportAccessViolation, debugger.ReportException:
		line = warnStyle.Render(v.Code) + fmt.Sprintf(" %s tid=%d (passed to target)", v.Address, v.TID)
	case debugger.ReportEvent:
		line = nameStyle.Render(v.Event) + fmt.Sprintf(" tid=%d", v.TID)
	default:
		line = nameStyle.Render(v.Kind) + fmt.Sprintf(" %s tid=%d", v.Address, v.TID)
	}
	if v.Error != "" {
		line += " " + errorStyle.Render(v.Error)
	}
	return line + "\n", nil
}

func (f *TextFormatter) FormatBreakpoints(bps Breakpoints) (string, error) {
	var buf strings.Builder
	table := &helpers.TableFormatter{}

	sections := []struct {
		title string
		rows  interface{}
		n     int
	}{
		{"Software breakpoints", bps.Software, len(bps.Software)},
		{"Hardware breakpoints", bps.Hardware, len(bps.Hardware)},
		{"Memory breakpoints", bps.Memory, len(bps.Memory)},
	}
	for i, s := range sections {
		if i > 0 {
			buf.WriteString("\n")
		}
		buf.WriteString(titleStyle.Render(s.title))
		buf.WriteString("\n")
		if s.n == 0 {
			buf.WriteString("  none\n")
			continue
		}
		if err := table.Format(s.rows, &buf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// JSONFormatter formats output as JSON. Reports are one object per line so
// they can be streamed.
type JSONFormatter struct{}

func (f *JSONFormatter) FormatRegisters(threads []ThreadRegisters) (string, error) {
	return marshalIndent(threads)
}

func (f *JSONFormatter) FormatThreads(list ThreadList) (string, error) {
	return marshalIndent(list)
}

func (f *JSONFormatter) FormatReport(r debugger.Report) (string, error) {
	data, err := json.Marshal(newReportView(r))
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}

func (f *JSONFormatter) FormatBreakpoints(bps Breakpoints) (string, error) {
	return marshalIndent(bps)
}

func marshalIndent(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data) + "\n", nil
}
