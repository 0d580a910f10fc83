package model

import "context"

// SetStagedHook installs f to run inside every load after the budget check.
func SetStagedHook(s *Store, f func(context.Context)) { s.staged = f }
