// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package clang

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/ir"
)

// Buffer is memory mapped outside the Go heap, so it can be handed to native code without pinning,
// and is never moved by the garbage collector.
//
// It implements backends.Buffer.
type Buffer struct {
	dtype  dtypes.DType
	length int

	mu    sync.Mutex
	mem   []byte
	pins  int
	freed bool
}

var _ backends.Buffer = (*Buffer)(nil)

// DType implements backends.Buffer.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len implements backends.Buffer.
func (b *Buffer) Len() int { return b.length }

// Pointer implements backends.Buffer. It returns nil for empty or freed buffers.
func (b *Buffer) Pointer() unsafe.Pointer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed || len(b.mem) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.mem[0])
}

// Pin prevents the buffer from being freed until Unpin is called. Pins are counted.
func (b *Buffer) Pin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return errors.New("can't pin a freed buffer")
	}
	b.pins++
	return nil
}

// Unpin reverts one Pin.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins > 0 {
		b.pins--
	}
}

// Allocator allocates Buffers with anonymous memory maps. It implements backends.Allocator.
type Allocator struct {
	numBytes   atomic.Int64
	numBuffers atomic.Int64
}

var _ backends.Allocator = (*Allocator)(nil)

// NewAllocator returns a new Allocator.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// NumBytes returns the number of bytes currently allocated.
func (a *Allocator) NumBytes() int64 { return a.numBytes.Load() }

// NumBuffers returns the number of buffers currently allocated.
func (a *Allocator) NumBuffers() int64 { return a.numBuffers.Load() }

// Alloc implements backends.Allocator.
func (a *Allocator) Alloc(dtype dtypes.DType, length int) (backends.Buffer, error) {
	if !ir.IsSupportedDType(dtype) || dtype == dtypes.Bool {
		return nil, errors.Errorf("can't allocate buffer of dtype %s", dtype)
	}
	if length < 0 {
		return nil, errors.Errorf("can't allocate buffer with negative length %d", length)
	}
	buf := &Buffer{dtype: dtype, length: length}
	size := length * int(dtype.Size())
	if size > 0 {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to allocate buffer of %d bytes", size)
		}
		buf.mem = mem
	}
	a.numBytes.Add(int64(size))
	a.numBuffers.Add(1)
	return buf, nil
}

func castBuffer(buffer backends.Buffer) (*Buffer, error) {
	buf, ok := buffer.(*Buffer)
	if !ok || buf == nil {
		return nil, errors.Errorf("buffer given (%T) is not a %q device buffer", buffer, BackendName)
	}
	return buf, nil
}

// Free implements backends.Allocator. It fails for buffers in use by a graph (pinned).
func (a *Allocator) Free(buffer backends.Buffer) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return errors.New("buffer freed more than once")
	}
	if buf.pins > 0 {
		return errors.Errorf("can't free buffer pinned %d times, finalize the graphs using it first", buf.pins)
	}
	buf.freed = true
	size := len(buf.mem)
	if size > 0 {
		if err := unix.Munmap(buf.mem); err != nil {
			return errors.Wrapf(err, "failed to free buffer of %d bytes", size)
		}
	}
	buf.mem = nil
	a.numBytes.Add(-int64(size))
	a.numBuffers.Add(-1)
	return nil
}

// bytesOf checks that flat is a slice with the buffer dtype and length, and returns its contents as bytes.
func bytesOf(buf *Buffer, flat any) ([]byte, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("flat values must be a slice, got %T", flat)
	}
	if dtypes.FromGoType(flatV.Type().Elem()) != buf.dtype {
		return nil, errors.Errorf("flat values of type %T incompatible with buffer of dtype %s", flat, buf.dtype)
	}
	if flatV.Len() != buf.length {
		return nil, errors.Errorf("flat values have %d elements, but buffer has %d", flatV.Len(), buf.length)
	}
	if buf.length == 0 {
		return nil, nil
	}
	ptr := flatV.Index(0).Addr().UnsafePointer()
	return unsafe.Slice((*byte)(ptr), buf.length*int(buf.dtype.Size())), nil
}

// CopyIn implements backends.Allocator.
func (a *Allocator) CopyIn(buffer backends.Buffer, flat any) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	src, err := bytesOf(buf, flat)
	if err != nil {
		return errors.WithMessage(err, "CopyIn")
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return errors.New("CopyIn to a freed buffer")
	}
	copy(buf.mem, src)
	return nil
}

// CopyOut implements backends.Allocator.
func (a *Allocator) CopyOut(buffer backends.Buffer, flat any) error {
	buf, err := castBuffer(buffer)
	if err != nil {
		return err
	}
	dst, err := bytesOf(buf, flat)
	if err != nil {
		return errors.WithMessage(err, "CopyOut")
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return errors.New("CopyOut from a freed buffer")
	}
	copy(dst, buf.mem)
	return nil
}

// Flat implements backends.Allocator. The returned slice shares the buffer memory: it becomes invalid
// once the buffer is freed.
func (a *Allocator) Flat(buffer backends.Buffer) (any, error) {
	buf, err := castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.freed {
		return nil, errors.New("Flat of a freed buffer")
	}
	goType := buf.dtype.GoType()
	if buf.length == 0 {
		return reflect.MakeSlice(reflect.SliceOf(goType), 0, 0).Interface(), nil
	}
	array := reflect.NewAt(reflect.ArrayOf(buf.length, goType), unsafe.Pointer(&buf.mem[0]))
	return array.Elem().Slice(0, buf.length).Interface(), nil
}
