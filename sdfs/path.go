// SD card supervisor
// https://github.com/tmaxelectronics/fastsd
//
// Copyright (c) The fastsd Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdfs

import (
	"strings"
)

// NewCWD resolves a relative or absolute path against a current working
// directory, honoring ".." components. The result carries no trailing
// separator except for the root directory.
func NewCWD(oldPath, newPath string) string {
	parts := strings.Split(newPath, "/")

	var path string

	if parts[0] != "" {
		// relative, append to the working directory
		path = oldPath

		if !strings.HasSuffix(path, "/") {
			path += "/"
		}
	} else {
		// absolute, restart from the root
		path = "/"
		parts = parts[1:]
	}

	for _, part := range parts {
		switch part {
		case "":
		case "..":
			path, _ = DirUp(path)
		default:
			if !strings.HasSuffix(path, "/") {
				path += "/"
			}

			path += part
		}
	}

	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	return path
}

// DirUp strips one trailing path component, keeping the trailing
// separator. The root directory is returned unchanged along with a false
// flag as it has no parent.
func DirUp(path string) (string, bool) {
	if len(path) <= 1 {
		return path, false
	}

	p := strings.TrimSuffix(path, "/")

	n := strings.LastIndexByte(p, '/')

	if n < 0 {
		return path, false
	}

	return p[:n+1], true
}
