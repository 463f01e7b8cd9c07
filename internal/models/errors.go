package models

import "errors"

var (
	// ErrInvalidSchedule marks malformed reminder parameters.
	ErrInvalidSchedule = errors.New("invalid schedule")
	// ErrLinkCycle marks a Linked chain that loops or never reaches a standalone reminder.
	ErrLinkCycle = errors.New("linked reminder chain is not rooted")
)
