// Package main provides a C ABI for embedding the dynamic framing engine in
// a host process written in another language.
//
// Build as a shared library:
//
//	go build -buildmode=c-shared -o libsilentspeakerc.so ./cmd/silentspeakerc
//
// The call sequence a host follows:
//
//	cfg := silent_config_default()
//	silent_generator_create(seed, stream_id, &send_gen)
//	silent_generator_create(seed, stream_id, &recv_gen)
//	silent_build_frame(send_gen, cfg, input, input_len, out_buf, out_max_len, &out_written)
//	silent_parser_create(recv_gen, cfg, capacity, &parser)   // consumes recv_gen
//	silent_parser_append(parser, data, len)
//	rc := silent_parse_next(parser, out_buf, out_max_len, &out_written)
//	silent_parser_destroy(parser)
//	silent_generator_destroy(send_gen)
//	silent_config_destroy(cfg)
//
// Handles are opaque uintptr tokens minted by runtime/cgo.Handle, not raw Go
// pointers: cgo's pointer-passing rules forbid handing the host a pointer
// into Go memory the collector may move or free out from under it, so every
// *_create call below returns a Handle value cast to C.uintptr_t instead.
package main

/*
#include <stdint.h>
#include <stddef.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/silentspeaker/silentspeaker/internal/framing"
)

// Return codes, matching the library-embedding ABI: 0 is unqualified
// success, 1 additionally signals a produced frame, negative values are
// errors.
const (
	codeOK                = 0
	codeFrameProduced     = 1
	codeErrNullArg        = -1
	codeErrBufferTooSmall = -2
	codeErrBuildFailed    = -3
	codeErrAppendFailed   = -4
	codeErrParseFailed    = -5
)

// parserState is the value behind a parser handle. It holds only the
// parser: framing.StreamParser binds its Config at construction time, so
// silent_parser_append and silent_parse_next take no config handle.
type parserState struct {
	parser *framing.StreamParser
}

// silent_config_default allocates a SilentConfig initialized to the
// protocol's documented defaults and returns an opaque handle to it.
//
//export silent_config_default
func silent_config_default() C.uintptr_t {
	cfg := framing.DefaultConfig()
	return C.uintptr_t(cgo.NewHandle(cfg))
}

// silent_config_destroy releases a handle returned by silent_config_default.
//
//export silent_config_destroy
func silent_config_destroy(handle C.uintptr_t) {
	cgo.Handle(handle).Delete()
}

// silent_generator_create derives a diversified salt generator from a
// 32-byte base seed and a stream id, and returns an opaque handle to it.
// seed must point to at least 32 readable bytes. Returns 0 on success (with
// *out_handle set) or a negative code on failure.
//
//export silent_generator_create
func silent_generator_create(seed *C.uint8_t, streamID C.uint64_t, outHandle *C.uintptr_t) C.int {
	if seed == nil || outHandle == nil {
		return codeErrNullArg
	}
	var base [32]byte
	copy(base[:], unsafe.Slice((*byte)(seed), 32))

	gen := framing.NewDiversifiedSaltGenerator(base, uint64(streamID))
	*outHandle = C.uintptr_t(cgo.NewHandle(gen))
	return codeOK
}

// silent_generator_destroy releases a handle returned by
// silent_generator_create. Do not call this once the handle has been
// consumed by silent_parser_create.
//
//export silent_generator_destroy
func silent_generator_destroy(handle C.uintptr_t) {
	cgo.Handle(handle).Delete()
}

// silent_build_frame encrypts input under generator's current salt and
// writes the resulting wire frame to outBuf, reporting the number of bytes
// written via outWritten. Returns 0 on success, -1 if generator, config, or
// input is null, -2 if outBuf is too small, -3 if the underlying seal
// fails.
//
//export silent_build_frame
func silent_build_frame(generatorHandle, configHandle C.uintptr_t, input *C.uint8_t, inputLen C.size_t, outBuf *C.uint8_t, outMaxLen C.size_t, outWritten *C.size_t) C.int {
	if input == nil || outBuf == nil || outWritten == nil || generatorHandle == 0 || configHandle == 0 {
		return codeErrNullArg
	}

	gen, ok := cgo.Handle(generatorHandle).Value().(*framing.SaltGenerator)
	if !ok {
		return codeErrNullArg
	}
	cfg, ok := cgo.Handle(configHandle).Value().(framing.Config)
	if !ok {
		return codeErrNullArg
	}

	payload := unsafe.Slice((*byte)(input), int(inputLen))
	frame, err := framing.Build(gen, payload, cfg)
	if err != nil {
		return codeErrBuildFailed
	}
	if len(frame) > int(outMaxLen) {
		return codeErrBufferTooSmall
	}

	copy(unsafe.Slice((*byte)(outBuf), int(outMaxLen)), frame)
	*outWritten = C.size_t(len(frame))
	return codeOK
}

// silent_parser_create builds a stream parser around generatorHandle and
// configHandle, and returns an opaque handle to it. It consumes
// generatorHandle: the caller must not use or destroy it afterward, mirroring
// the Rust original's move-by-Box::from_raw semantics. capacity bounds the
// parser's receive buffer in bytes; 0 selects the protocol default.
//
//export silent_parser_create
func silent_parser_create(generatorHandle, configHandle C.uintptr_t, capacity C.size_t, outHandle *C.uintptr_t) C.int {
	if outHandle == nil {
		return codeErrNullArg
	}

	genHandle := cgo.Handle(generatorHandle)
	gen, ok := genHandle.Value().(*framing.SaltGenerator)
	if !ok {
		return codeErrNullArg
	}
	cfg, ok := cgo.Handle(configHandle).Value().(framing.Config)
	if !ok {
		return codeErrNullArg
	}
	genHandle.Delete()

	st := &parserState{parser: framing.NewStreamParser(gen, cfg, int(capacity))}
	*outHandle = C.uintptr_t(cgo.NewHandle(st))
	return codeOK
}

// silent_parser_destroy releases a handle returned by silent_parser_create.
//
//export silent_parser_destroy
func silent_parser_destroy(handle C.uintptr_t) {
	cgo.Handle(handle).Delete()
}

// silent_parser_append feeds newly received bytes into parserHandle's
// buffer. Returns 0 on success, -1 if parserHandle or data is null, -4 if
// the buffer is full.
//
//export silent_parser_append
func silent_parser_append(parserHandle C.uintptr_t, data *C.uint8_t, dataLen C.size_t) C.int {
	if data == nil || parserHandle == 0 {
		return codeErrNullArg
	}
	st, ok := cgo.Handle(parserHandle).Value().(*parserState)
	if !ok {
		return codeErrNullArg
	}

	if err := st.parser.Append(unsafe.Slice((*byte)(data), int(dataLen))); err != nil {
		return codeErrAppendFailed
	}
	return codeOK
}

// silent_parse_next extracts the next complete frame from parserHandle's
// buffer, if one is available, writing it to outBuf and the written length
// to outWritten. Returns 1 if a frame was produced, 0 if the buffer holds no
// complete frame yet, -1 on a null argument, -2 if outBuf is too small for
// the parsed frame, -5 on a fatal parse error (the parser is left desynced,
// matching StreamParser.TryParseNext).
//
//export silent_parse_next
func silent_parse_next(parserHandle C.uintptr_t, outBuf *C.uint8_t, outMaxLen C.size_t, outWritten *C.size_t) C.int {
	if outBuf == nil || outWritten == nil || parserHandle == 0 {
		return codeErrNullArg
	}
	st, ok := cgo.Handle(parserHandle).Value().(*parserState)
	if !ok {
		return codeErrNullArg
	}

	payload, err := st.parser.TryParseNext()
	if err == framing.ErrIncomplete {
		return codeOK
	}
	if err != nil {
		return codeErrParseFailed
	}
	if len(payload) > int(outMaxLen) {
		return codeErrBufferTooSmall
	}

	copy(unsafe.Slice((*byte)(outBuf), int(outMaxLen)), payload)
	*outWritten = C.size_t(len(payload))
	return codeFrameProduced
}

// main is required for c-shared buildmode but is never invoked when the
// library is loaded as a shared object.
func main() {}
