package common

import "errors"

// ModuleSystem is the module name reported paused when the whole protocol is
// halted by the master-control collaborator.
const ModuleSystem = "system"

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects calls into a paused module. A nil view never blocks.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
