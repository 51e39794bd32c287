package service

import "errors"

var (
	ErrUnknownCollection = errors.New("collection is not sync-enabled")
	ErrInvalidMutation   = errors.New("invalid mutation")
	ErrTenantClosed      = errors.New("tenant was logged out")
	ErrNotAbandoned      = errors.New("outbox record is not abandoned")
	// ErrSuperseded means a newer mutation of the document is already queued
	ErrSuperseded = errors.New("document has a newer pending mutation")
)
