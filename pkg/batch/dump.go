// Copyright 2024 The gVisor Authors.
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

package batch

import (
	"fmt"
	"os"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Dump writes the staging buffer to path.
func (b *Batch) Dump(path string) error {
	if err := os.WriteFile(path, b.buf, 0644); err != nil {
		return fmt.Errorf("dumping batch %d: %w", b.handle, err)
	}
	return nil
}

// DumpExecbuf logs the objects and relocations the next Exec would submit.
func (b *Batch) DumpExecbuf() {
	b.dumpExecbuf(log.Infof, b.execbuf(b.cur, b.opts.Context, 0))
}

func (b *Batch) dumpExecbuf(logf func(string, ...any), eb *Execbuf) {
	logf("execbuf: batch_len %#x, count %d, flags %#x, ctx %d", eb.BatchLen, len(eb.Objects), eb.Flags, eb.Context)
	for i := range eb.Objects {
		o := &eb.Objects[i]
		logf(" [%d] handle %d, relocs %d, offset %#x, flags %#x", i, o.Handle, len(eb.Relocs[i]), o.Offset, o.Flags)
		for j, r := range eb.Relocs[i] {
			logf("   [%d] target %d, offset %#x, delta %#x, presumed %#x, read %#x, write %#x",
				j, r.TargetHandle, r.Offset, r.Delta, r.PresumedOffset, r.ReadDomains, r.WriteDomain)
		}
	}
}
