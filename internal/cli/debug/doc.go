// Package debug provides the CLI commands that drive the debugging engine
// against a live process.
//
// Main commands include:
//   - regs: Attach, dump the registers of every thread and detach
//   - threads: List the threads of a process without attaching
//   - run: Attach, arm breakpoints and stream debug events until interrupted
//   - shell: Interactive session with breakpoint, memory and register commands
//
// Every command attaches through helpers.Globals.OpenFacility, which is the
// ptrace facility outside of tests. Breakpoint changes made by a command are
// undone when it detaches.
package debug
