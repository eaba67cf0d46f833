package main

/*
#include <stdlib.h>
#include <string.h>
*/
import "C"
import (
	"time"
	"unsafe"

	"tagcache/src/api"
)

// Exported functions for the C library interface. Keys and values cross the
// boundary as strings; the tag selects a namespace and may be empty.

//export Init
func Init(directory *C.char, maxSize C.longlong, policy *C.char) C.int {
	if api.Init(C.GoString(directory), int64(maxSize), C.GoString(policy)) {
		return 1
	}
	return 0
}

//export Set
func Set(key *C.char, value *C.char, valueLen C.int, ttlSeconds C.double, tag *C.char) C.int {
	content := C.GoBytes(unsafe.Pointer(value), valueLen)
	ttl := time.Duration(float64(ttlSeconds) * float64(time.Second))
	if api.Set(C.GoString(key), content, ttl, C.GoString(tag)) {
		return 1
	}
	return 0
}

//export Get
func Get(key *C.char, tag *C.char, resultLen *C.int) *C.char {
	value := api.Get(C.GoString(key), C.GoString(tag))
	var content []byte
	switch v := value.(type) {
	case []byte:
		content = v
	case string:
		content = []byte(v)
	default:
		*resultLen = 0
		return nil
	}
	if len(content) == 0 {
		*resultLen = 0
		return nil
	}
	*resultLen = C.int(len(content))

	// C.CBytes allocates with C malloc; the caller releases it via FreeMem.
	return (*C.char)(C.CBytes(content))
}

//export Delete
func Delete(key *C.char, tag *C.char) C.int {
	if api.Delete(C.GoString(key), C.GoString(tag)) {
		return 1
	}
	return 0
}

//export Exists
func Exists(key *C.char, tag *C.char) C.int {
	if api.Exists(C.GoString(key), C.GoString(tag)) {
		return 1
	}
	return 0
}

//export Incr
func Incr(key *C.char, delta C.longlong, tag *C.char, result *C.longlong) C.int {
	value, ok := api.Incr(C.GoString(key), int64(delta), C.GoString(tag))
	if !ok {
		return 0
	}
	if n, isInt := value.(int64); isInt {
		*result = C.longlong(n)
		return 1
	}
	return 0
}

//export Touch
func Touch(key *C.char, ttlSeconds C.double, tag *C.char) C.int {
	ttl := time.Duration(float64(ttlSeconds) * float64(time.Second))
	if api.Touch(C.GoString(key), ttl, C.GoString(tag)) {
		return 1
	}
	return 0
}

//export CacheLen
func CacheLen() C.longlong {
	return C.longlong(api.Len())
}

//export Clear
func Clear() C.int {
	if api.Clear() {
		return 1
	}
	return 0
}

//export Drop
func Drop(tag *C.char) C.int {
	if api.Drop(C.GoString(tag)) {
		return 1
	}
	return 0
}

//export Close
func Close() C.int {
	if api.Close() {
		return 1
	}
	return 0
}

//export FreeMem
func FreeMem(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}
