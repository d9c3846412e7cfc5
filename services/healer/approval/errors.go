// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package approval

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyResolved is returned to the loser of a resolution race.
	ErrAlreadyResolved = errors.New("approval: ticket already resolved")

	// ErrUnknownTicket is returned for ticket IDs the scheduler does
	// not hold.
	ErrUnknownTicket = errors.New("approval: unknown ticket")
)

// ResolvedError carries the standing resolution behind ErrAlreadyResolved.
type ResolvedError struct {
	TicketID   string
	Resolution Resolution
	ResolvedBy string
}

func (e *ResolvedError) Error() string {
	return fmt.Sprintf("ticket %s already resolved as %s by %s",
		e.TicketID, e.Resolution, e.ResolvedBy)
}

func (e *ResolvedError) Unwrap() error { return ErrAlreadyResolved }
