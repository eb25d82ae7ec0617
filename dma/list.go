// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
)

// List is an ordered list of buffers staged for one subdevice.
// Buffers link through their own fields so a buffer is on at most one list.
type List struct {
	head, tail *Buffer
	count      uint
}

func (l *List) Len() uint              { return l.count }
func (l *List) Head() *Buffer          { return l.head }
func (l *List) Tail() *Buffer          { return l.tail }
func (l *List) Next(b *Buffer) *Buffer { return b.next }

func (l *List) check(b *Buffer) {
	if b.list != nil || b.prev != nil || b.next != nil {
		panic(fmt.Errorf("buffer %s already linked", b.tag))
	}
}

func (l *List) push(b *Buffer) {
	l.check(b)
	b.list = l
	b.prev = l.tail
	if l.tail != nil {
		l.tail.next = b
	} else {
		l.head = b
	}
	l.tail = b
	l.count++
}

// pushHead returns b to the front; used when a push must be retried.
func (l *List) pushHead(b *Buffer) {
	l.check(b)
	b.list = l
	b.next = l.head
	if l.head != nil {
		l.head.prev = b
	} else {
		l.tail = b
	}
	l.head = b
	l.count++
}

func (l *List) pop() (b *Buffer) {
	if b = l.head; b != nil {
		l.unlink(b)
	}
	return
}

func (l *List) unlink(b *Buffer) {
	if b.list != l {
		panic(fmt.Errorf("buffer %s not on list", b.tag))
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		l.tail = b.prev
	}
	b.list, b.prev, b.next = nil, nil, nil
	l.count--
}
