package monitor

import "golang.org/x/xerrors"

// Outcomes reported to callers of SessionScheduler.Start. Every other
// error is an infrastructure failure.
var (
	ErrNotFound      = xerrors.New("not found")
	ErrQuotaExceeded = xerrors.New("daily session quota exceeded")
)
