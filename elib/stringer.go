// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

import (
	"fmt"
)

func StringerWithFormat(n []string, i int, unknownFormat string) string {
	if i >= 0 && i < len(n) && len(n[i]) > 0 {
		return n[i]
	}
	return fmt.Sprintf(unknownFormat, i)
}

func Stringer(n []string, i int) string { return StringerWithFormat(n, i, "%d") }
