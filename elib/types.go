// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

// Bitmap word; fixed at 64 bits so bitmap layouts match across platforms.
type Word uint64

const (
	Log2WordBits = 6
	WordBits     = 1 << Log2WordBits
)
