package main

/*
#include <stdbool.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/redis/go-redis/v9"
)

// goString copies a C string, tolerating NULL.
func goString(s *C.char) string {
	if s == nil {
		return ""
	}
	return C.GoString(s)
}

// cString hands ownership of a C-heap copy to the caller; it must be
// released via free_string.
func cString(s string) *C.char {
	return C.CString(s)
}

// recoverTo swallows any panic so no fault crosses the ABI boundary.
func recoverTo() {
	_ = recover()
}

//export free_string
func free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export version
func version() *C.char {
	defer recoverTo()
	return cString(libraryVersion)
}

//export memory_set
func memory_set(key, value *C.char, ttl C.uint64_t) C.bool {
	defer recoverTo()
	return C.bool(memorySet(goString(key), goString(value), uint64(ttl)))
}

//export memory_get
func memory_get(key *C.char) *C.char {
	defer recoverTo()
	value, ok := memoryGet(goString(key))
	if !ok {
		return nil
	}
	return cString(value)
}

//export memory_delete
func memory_delete(key *C.char) C.bool {
	defer recoverTo()
	return C.bool(memoryDelete(goString(key)))
}

//export memory_clear
func memory_clear() C.bool {
	defer recoverTo()
	return C.bool(memoryClear())
}

//export memory_exists
func memory_exists(key *C.char) C.bool {
	defer recoverTo()
	return C.bool(memoryExists(goString(key)))
}

//export memory_cleanup
func memory_cleanup() C.uint64_t {
	defer recoverTo()
	return C.uint64_t(memoryCleanup())
}

//export memory_count
func memory_count() C.uint64_t {
	defer recoverTo()
	return C.uint64_t(memoryCount())
}

//export memory_set_multiple
func memory_set_multiple(keys, values **C.char, ttls *C.uint64_t, n C.size_t) C.uint64_t {
	defer recoverTo()
	if keys == nil || values == nil || ttls == nil || n == 0 {
		return 0
	}

	count := int(n)
	keySlice := unsafe.Slice(keys, count)
	valueSlice := unsafe.Slice(values, count)
	ttlSlice := unsafe.Slice(ttls, count)

	goKeys := make([]string, count)
	goValues := make([]string, count)
	goTTLs := make([]uint64, count)
	for i := 0; i < count; i++ {
		goKeys[i] = goString(keySlice[i])
		goValues[i] = goString(valueSlice[i])
		goTTLs[i] = uint64(ttlSlice[i])
	}

	return C.uint64_t(memorySetMultiple(goKeys, goValues, goTTLs))
}

//export memory_get_multiple
func memory_get_multiple(keys **C.char, n C.size_t) *C.char {
	defer recoverTo()
	if keys == nil {
		return nil
	}

	count := int(n)
	keySlice := unsafe.Slice(keys, count)
	goKeys := make([]string, count)
	for i := 0; i < count; i++ {
		goKeys[i] = goString(keySlice[i])
	}

	payload, ok := memoryGetMultiple(goKeys)
	if !ok {
		return nil
	}
	return cString(payload)
}

//export redis_ping
func redis_ping(host *C.char, port C.uint16_t) C.bool {
	defer recoverTo()

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", goString(host), uint16(port)),
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return C.bool(client.Ping(ctx).Err() == nil)
}

//export compress_lz4
func compress_lz4(data *C.char, outSize *C.size_t) *C.char {
	defer recoverTo()

	encoded, frameLen, ok := compressLZ4(goString(data))
	if !ok {
		return nil
	}
	if outSize != nil {
		*outSize = C.size_t(frameLen)
	}
	return cString(encoded)
}

//export decompress_lz4
func decompress_lz4(data *C.char) *C.char {
	defer recoverTo()

	decoded, ok := decompressLZ4(goString(data))
	if !ok {
		return nil
	}
	return cString(decoded)
}

//export benchmark_memory
func benchmark_memory(operations C.uint64_t) C.double {
	defer recoverTo()
	return C.double(benchmarkMemory(uint64(operations)))
}

// main is required for the c-shared build mode; the library has no
// standalone entry point.
func main() {}
