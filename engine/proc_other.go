//go:build !linux

package engine

import "os/exec"

func setProcAttrs(cmd *exec.Cmd) {}
