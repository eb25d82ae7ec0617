// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package treesize

import (
	"testing"

	"github.com/platinasystems/mcdma/internal/dr"
)

func TestLifecycle(t *testing.T) {
	tab := New(4)
	u := Update{Pipe: 2, MGID: 0x100, Length: 7}
	tag := dr.MakeTag(dr.OwnerMcast, 5)

	tab.Stage(u)
	r, ok := tab.Get(u.MGID, u.Pipe)
	if !ok || r.state != staged || r.Target != 7 {
		t.Fatalf("Stage: got %+v", r)
	}
	tab.Attach(u, tag)
	if r, _ = tab.Get(u.MGID, u.Pipe); r.state != attached || r.Tag != tag {
		t.Errorf("Attach: got %+v", r)
	}
	if !tab.Ready(u) {
		t.Errorf("Ready: got false")
	}
	if got := tab.Active(u.MGID, u.Pipe); got != 0 {
		t.Errorf("Active before commit: got %d want 0", got)
	}
	tab.Commit(u)
	if got := tab.Active(u.MGID, u.Pipe); got != 7 {
		t.Errorf("Active: got %d want 7", got)
	}
	if r, _ = tab.Get(u.MGID, u.Pipe); r.Pending() {
		t.Errorf("Pending after commit: %s", r.state)
	}
	if got := tab.Active(u.MGID, 1); got != 0 {
		t.Errorf("other pipe: got %d want 0", got)
	}
}

func TestSuperseded(t *testing.T) {
	tab := New(1)
	old := Update{MGID: 1, Length: 3}
	tab.Stage(old)
	tab.Stage(Update{MGID: 1, Length: 4})
	if tab.Ready(old) {
		t.Errorf("Ready superseded: got true")
	}
	tab.Commit(old)
	r, _ := tab.Get(1, 0)
	if r.Active != 3 || !r.Pending() {
		t.Errorf("Commit superseded: got %+v", r)
	}
	tab.Delete(1)
	if got := tab.Len(); got != 0 {
		t.Errorf("Len: got %d want 0", got)
	}
}

func TestUnstage(t *testing.T) {
	tab := New(1)
	u := Update{MGID: 2, Length: 5}
	tab.Stage(u)
	tab.Commit(u)

	v := Update{MGID: 2, Length: 9}
	tab.Stage(v)
	tab.Attach(v, dr.MakeTag(dr.OwnerMcast, 1))
	tab.Unstage(v)
	r, _ := tab.Get(2, 0)
	if r.Pending() || r.Target != 5 || r.Active != 5 || r.Tag != 0 {
		t.Errorf("Unstage: got %+v", r)
	}

	// A newer length survives unstaging an older one.
	tab.Stage(v)
	tab.Stage(Update{MGID: 2, Length: 11})
	tab.Unstage(v)
	if r, _ = tab.Get(2, 0); !r.Pending() || r.Target != 11 {
		t.Errorf("Unstage superseded: got %+v", r)
	}

	// Completed lengths wait for their commit.
	tab.Ready(Update{MGID: 2, Length: 11})
	tab.Unstage(Update{MGID: 2, Length: 11})
	if r, _ = tab.Get(2, 0); !r.Pending() || r.state != ready {
		t.Errorf("Unstage ready: got %+v", r)
	}
}
