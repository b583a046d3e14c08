// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ursa

import (
	"fmt"
	"os"
	"runtime"

	mmap "github.com/edsrzf/mmap-go"
)

// RandomAccessFile is a file suitable for concurrent, read-only random
// access. The mmap-backed implementation below is the only one ursa ships,
// but tests substitute an in-memory implementation.
type RandomAccessFile interface {
	ReadAt(off, sz int64) ([]byte, error)
	Size() int64
	Close() error
	Name() string
}

type mmapedFile struct {
	name string
	size int64
	data mmap.MMap
}

// OpenMmapFile memory-maps f read-only and takes ownership of it: f is
// closed once the mapping is established (the mapping itself keeps the
// underlying pages alive), mirroring the teacher's NewIndexFile.
func OpenMmapFile(f *os.File) (RandomAccessFile, error) {
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	r := &mmapedFile{name: f.Name(), size: fi.Size()}
	if fi.Size() == 0 {
		r.data = mmap.MMap{}
		return r, nil
	}

	r.data, err = mmap.MapRegion(f, bufferSize(fi.Size()), mmap.RDONLY, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("ursa: mmap %s: %w", f.Name(), err)
	}
	return r, nil
}

// bufferSize rounds sz up to the OS page size, as mmap requires on most
// platforms; mmap zero-fills the extra bytes.
func bufferSize(sz int64) int {
	bsize := int(sz)
	if runtime.GOOS != "windows" {
		pagesize := os.Getpagesize() - 1
		bsize = (bsize + pagesize) &^ pagesize
	}
	return bsize
}

func (f *mmapedFile) ReadAt(off, sz int64) ([]byte, error) {
	if off < 0 || sz < 0 || off+sz > int64(len(f.data)) {
		return nil, fmt.Errorf("ursa: out of bounds read off=%d sz=%d len=%d file=%s", off, sz, len(f.data), f.name)
	}
	return f.data[off : off+sz], nil
}

func (f *mmapedFile) Size() int64 { return f.size }
func (f *mmapedFile) Name() string { return f.name }

func (f *mmapedFile) Close() error {
	if len(f.data) == 0 {
		return nil
	}
	return f.data.Unmap()
}
