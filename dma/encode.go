// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"encoding/binary"
	"fmt"

	"github.com/platinasystems/mcdma/internal/dr"
)

// Record is one decoded write.
type Record struct {
	// 128 bit word address.
	Addr   uint32
	Hi, Lo uint64
}

func (r Record) String() string {
	return fmt.Sprintf("0x%08x: 0x%016x%016x", r.Addr, r.Hi, r.Lo)
}

// Records are little endian: address then low 64 bits then, for wide
// writes only, high 64 bits.  Narrow writes carry 32 significant bits.
func encode(b []byte, w dr.Width, addr uint32, hi, lo uint64) uint {
	le := binary.LittleEndian
	if w == dr.Narrow {
		lo &= 0xffffffff
	}
	le.PutUint32(b[0:], addr)
	le.PutUint64(b[4:], lo)
	if w == dr.Wide {
		le.PutUint64(b[12:], hi)
	}
	return w.RecordBytes()
}

// Decode returns the records encoded in b.
func Decode(b []byte, w dr.Width) (rs []Record) {
	le := binary.LittleEndian
	n := w.RecordBytes()
	for len(b) >= int(n) {
		r := Record{Addr: le.Uint32(b[0:]), Lo: le.Uint64(b[4:])}
		if w == dr.Wide {
			r.Hi = le.Uint64(b[12:])
		}
		rs = append(rs, r)
		b = b[n:]
	}
	return
}
