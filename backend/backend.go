package backend

import (
	"fmt"
	"unsafe"
)

// DeviceType represents the compute device.
type DeviceType uint8

const (
	CPU DeviceType = iota
	CUDA
)

func (d DeviceType) String() string {
	names := [...]string{"cpu", "cuda"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("device(%d)", d)
}

// Device identifies a specific device (type + index).
type Device struct {
	Type  DeviceType
	Index int // GPU index, 0 for CPU
}

var CPU0 = Device{Type: CPU, Index: 0}

func CUDADevice(index int) Device { return Device{Type: CUDA, Index: index} }

func (d Device) String() string {
	if d.Type == CPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Type, d.Index)
}

// Storage represents a raw memory buffer on a device.
type Storage interface {
	// Device returns which device this storage lives on.
	Device() Device

	// Ptr returns the raw pointer to the data.
	// For CPU this is a Go pointer, for GPU it's a device pointer.
	Ptr() unsafe.Pointer

	// Bytes returns the underlying byte slice (CPU only, nil for GPU).
	Bytes() []byte

	// ByteLen returns the total size in bytes.
	ByteLen() int

	// Free releases the memory.
	Free()
}

// Stream is one in-order asynchronous execution lane. Operations issued
// on the same stream complete in issue order; operations on different
// streams have no ordering between them until someone calls Sync.
type Stream interface {
	// Sync blocks until every operation issued on the stream so far has
	// completed, and returns the first error any of them hit.
	Sync() error

	// Destroy releases the stream. Pending work is abandoned.
	Destroy()
}

// PtrSize is the width of one pointer-array entry. Batched kernels
// consume 64-bit device addresses regardless of host architecture.
const PtrSize = 8

// Backend is the capability the batched solver orchestrates: buffer
// allocation, strided asynchronous host<->device movement, pointer-array
// materialization, and the two batched LU kernels.
//
// Kernel arguments follow the batched LAPACK convention: aArray, bArray
// and pivArray are device arrays of per-matrix base addresses; pivots
// and infos are flat device buffers of n*batch and batch int32s. Both
// the flat pivot buffer and its pointer-array view are passed because
// different vendor libraries consume different forms.
type Backend interface {
	// Device info
	Name() string
	DeviceType() DeviceType

	// Memory management
	Alloc(byteLen int) (Storage, error)
	Free(s Storage)

	// NewStream creates an independent execution lane.
	NewStream() (Stream, error)

	// SetMatrixAsync copies a rows x cols column-major matrix from host
	// to device, re-leading from stride lda to stride ldda (elements).
	// src must stay alive until the stream is synced.
	SetMatrixAsync(rows, cols, elemSize int, src []byte, lda int, dst Storage, ldda int, q Stream) error

	// GetMatrixAsync is the device-to-host mirror of SetMatrixAsync.
	GetMatrixAsync(rows, cols, elemSize int, src Storage, ldda int, dst []byte, lda int, q Stream) error

	// GetVectorAsync copies n contiguous elements from device to host.
	GetVectorAsync(n, elemSize int, src Storage, dst []byte, q Stream) error

	// SetPointerArray fills dst with count device addresses:
	// entry i = base + offsetBytes + i*strideBytes. Only the base
	// address of base is read, never its contents, so this may run
	// concurrently with transfers into base on another stream.
	SetPointerArray(dst, base Storage, offsetBytes, strideBytes, count int, q Stream) error

	// FactorizeBatched computes the in-place LU factorization with
	// partial pivoting of batch n x n matrices addressed by aArray.
	// Per-matrix status lands in infos (0 ok, >0 singular pivot index,
	// <0 illegal value). A non-nil error is a control failure of the
	// whole call, distinct from any per-matrix status.
	FactorizeBatched(n int, aArray Storage, ldda int, pivArray, pivots Storage, infos Storage, batch int, q Stream) error

	// SolveFactoredBatched solves A*X = B for each matrix using the
	// factors and pivots produced by FactorizeBatched, overwriting B
	// with X in place.
	SolveFactoredBatched(n, nrhs int, aArray Storage, ldda int, pivArray, pivots Storage, bArray Storage, lddb int, batch int, q Stream) error
}

// Registry holds all available backends.
var registry = map[DeviceType]Backend{}

// Register adds a backend to the global registry.
func Register(b Backend) {
	registry[b.DeviceType()] = b
}

// Get returns the backend for a device type.
func Get(dt DeviceType) (Backend, error) {
	b, ok := registry[dt]
	if !ok {
		return nil, fmt.Errorf("backend %s not registered", dt)
	}
	return b, nil
}

// GetForDevice returns the backend for a specific device.
func GetForDevice(d Device) (Backend, error) {
	return Get(d.Type)
}
