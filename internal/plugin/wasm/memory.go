package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"relaybot/internal/domain"
)

// Guests exchange strings and payloads as (ptr, len) pairs in their linear
// memory. The host allocates through the guest's malloc export and hands the
// region back with free once the call returns.
const (
	exportMalloc = "malloc"
	exportFree   = "free"
)

func memoryError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrToolFailure, fmt.Sprintf(format, args...))
}

// ReadBytes returns a copy of the guest region [ptr, ptr+size).
func ReadBytes(mod api.Module, ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	view, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return nil, memoryError("guest region %d+%d is outside linear memory (%d bytes)", ptr, size, mod.Memory().Size())
	}
	return append([]byte(nil), view...), nil
}

// ReadString is ReadBytes for UTF-8 text.
func ReadString(mod api.Module, ptr, size uint32) (string, error) {
	b, err := ReadBytes(mod, ptr, size)
	return string(b), err
}

// WriteBytes places data in a fresh guest allocation. A nil or empty slice
// yields (0, 0) and allocates nothing.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (ptr, size uint32, err error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	size = uint32(len(data))

	alloc := mod.ExportedFunction(exportMalloc)
	if alloc == nil {
		return 0, 0, memoryError("guest does not export %s", exportMalloc)
	}
	res, err := alloc.Call(ctx, uint64(size))
	switch {
	case err != nil:
		return 0, 0, memoryError("%s(%d): %v", exportMalloc, size, err)
	case len(res) == 0 || uint32(res[0]) == 0:
		return 0, 0, memoryError("%s(%d) returned no usable pointer", exportMalloc, size)
	}
	ptr = uint32(res[0])

	if !mod.Memory().Write(ptr, data) {
		FreeBytes(ctx, mod, ptr, size)
		return 0, 0, memoryError("guest region %d+%d is outside linear memory", ptr, size)
	}
	return ptr, size, nil
}

// WriteString is WriteBytes for UTF-8 text.
func WriteString(ctx context.Context, mod api.Module, s string) (uint32, uint32, error) {
	return WriteBytes(ctx, mod, []byte(s))
}

// FreeBytes hands a region back to the guest. Guests without a free export
// keep the memory until the instance is closed.
func FreeBytes(ctx context.Context, mod api.Module, ptr, size uint32) {
	if ptr == 0 || size == 0 {
		return
	}
	if release := mod.ExportedFunction(exportFree); release != nil {
		_, _ = release.Call(ctx, uint64(ptr), uint64(size))
	}
}
