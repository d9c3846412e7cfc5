// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"fmt"
	"sync"
	"testing"
)

func TestCenter_RecentNewestFirst(t *testing.T) {
	c := NewCenter(nil)
	for i := 0; i < 5; i++ {
		c.Post(Notification{Kind: KindFailure, Message: fmt.Sprintf("m%d", i)})
	}

	recent := c.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("len = %d, want 3", len(recent))
	}
	if recent[0].Message != "m4" || recent[2].Message != "m2" {
		t.Errorf("order = %s..%s", recent[0].Message, recent[2].Message)
	}
	if recent[0].ID == "" || recent[0].CreatedAt.IsZero() {
		t.Error("Post did not stamp ID/CreatedAt")
	}
}

func TestCenter_CapacityEvictsOldest(t *testing.T) {
	c := NewCenter(nil)
	for i := 0; i < maxNotifications+20; i++ {
		c.Post(Notification{Kind: KindEscalation, Message: fmt.Sprintf("m%d", i)})
	}

	if c.Len() != maxNotifications {
		t.Fatalf("len = %d, want %d", c.Len(), maxNotifications)
	}
	all := c.Recent(0)
	if all[len(all)-1].Message != "m20" {
		t.Errorf("oldest = %s, want m20", all[len(all)-1].Message)
	}
}

func TestCenter_ConcurrentPosts(t *testing.T) {
	c := NewCenter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Post(Notification{Kind: KindFixApplied, Message: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()

	if c.Len() != 50 {
		t.Errorf("len = %d, want 50", c.Len())
	}
}
