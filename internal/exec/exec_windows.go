//go:build windows

package exec

import (
	"os/exec"
	"syscall"
)

// applyPlatformAttrs hides the console window FFmpeg/FFprobe would
// otherwise flash open (spec.md §4.2 "On Windows, suppresses console windows").
func applyPlatformAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

// requestStop asks the child to exit. Windows has no SIGTERM
// equivalent reachable from os/exec, so this goes straight to Kill
// inside terminate's grace window.
func requestStop(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
