// Copyright 2024 The SDBTreeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package passthrough

import "golang.org/x/sys/unix"

type statfsT struct {
	total uint64
	free  uint64
}

func statfs(path string, out *statfsT) error {
	var raw unix.Statfs_t
	if err := unix.Statfs(path, &raw); err != nil {
		return err
	}
	out.total = raw.Blocks * uint64(raw.Bsize)
	out.free = raw.Bfree * uint64(raw.Bsize)
	return nil
}
