//go:build tinygo || wasm

// Command echo is a reference engine module. It accepts any asset bundle
// whose config is JSON and answers every decode with a single segment
// describing the audio it received. Build it as a WASI reactor:
//
//	tinygo build -o echo.wasm -target=wasi -buildmode=c-shared ./engines/examples/echo
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/engines/examples/internal/host"
)

const flagTranslate = 1 << 3

var (
	ready    bool
	task     = "transcribe"
	language string
	lastErr  string
)

type segment struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Result   struct {
		Text string `json:"text"`
	} `json:"result"`
}

func main() {}

//export alloc
func alloc(size uint32) uint32 {
	return uint32(host.Alloc(size))
}

//export engine_set_option
func engineSetOption(kptr, klen, vptr, vlen uint32) int32 {
	key := string(host.Bytes(kptr, klen))
	value := string(host.Bytes(vptr, vlen))
	host.Release(kptr)
	host.Release(vptr)
	switch key {
	case "task":
		task = value
	case "language":
		language = value
	default:
		return fail(1, "unknown option "+key)
	}
	return 0
}

//export engine_init
func engineInit(wptr, wlen, tptr, tlen, cptr, clen, mptr, mlen, flags uint32) int32 {
	defer func() {
		for _, p := range []uint32{wptr, tptr, cptr, mptr} {
			host.Release(p)
		}
	}()
	if wlen == 0 || tlen == 0 || mlen == 0 {
		return fail(1, "empty model asset")
	}
	if !json.Valid(host.Bytes(cptr, clen)) {
		return fail(2, "config asset is not JSON")
	}
	if flags&flagTranslate != 0 {
		task = "translate"
	}
	ready = true
	host.Log(fmt.Sprintf("echo engine ready (weights=%d bytes, task=%s)", wlen, task))
	return 0
}

//export engine_decode
func engineDecode(ptr, length uint32) uint64 {
	audio := host.Bytes(ptr, length)
	defer host.Release(ptr)
	if !ready {
		fail(1, "engine not initialized")
		return 0
	}
	seconds, err := wavSeconds(audio)
	if err != nil {
		fail(2, err.Error())
		return 0
	}
	var seg segment
	seg.Duration = seconds
	seg.Result.Text = fmt.Sprintf("[echo %s %d bytes]", task, len(audio))
	if language != "" {
		seg.Result.Text = fmt.Sprintf("[echo %s/%s %d bytes]", task, language, len(audio))
	}
	out, err := json.Marshal([]segment{seg})
	if err != nil {
		fail(3, err.Error())
		return 0
	}
	return host.Pack(out)
}

//export engine_last_error
func engineLastError() uint64 {
	return host.Pack([]byte(lastErr))
}

func fail(code int32, msg string) int32 {
	lastErr = msg
	host.Log("echo engine: " + msg)
	return code
}

// wavSeconds reads the duration from a canonical RIFF/WAVE header.
func wavSeconds(b []byte) (float64, error) {
	if len(b) < 44 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return 0, fmt.Errorf("audio is not a RIFF/WAVE file")
	}
	byteRate := binary.LittleEndian.Uint32(b[28:32])
	if byteRate == 0 {
		return 0, fmt.Errorf("wav header has zero byte rate")
	}
	return float64(len(b)-44) / float64(byteRate), nil
}
