package knxadapter

import (
	"fmt"
	"math"

	"github.com/vapourismo/knx-go/knx/dpt"

	"github.com/strefethen/snapdog/internal/core"
)

// The bus speaks three shapes: switches (DPT 1.001), percentages
// (DPT 5.001) and small unsigned counters (DPT 5.010 for track,
// playlist and zone numbers). Latency is signed, so it rides the
// 2-byte float (DPT 9.002); the half-float quantizes to 0.64 ms
// steps near the +-2000 ms bounds.

func packBool(v bool) []byte {
	return dpt.DPT_1001(v).Pack()
}

func unpackBool(data []byte) (bool, error) {
	var v dpt.DPT_1001
	if err := v.Unpack(data); err != nil {
		return false, fmt.Errorf("dpt 1.001: %w", err)
	}
	return bool(v), nil
}

// packPercent scales 0..100 onto the DPT 5.001 byte.
func packPercent(percent int) []byte {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return dpt.DPT_5001(float32(percent)).Pack()
}

func unpackPercent(data []byte) (int, error) {
	var v dpt.DPT_5001
	if err := v.Unpack(data); err != nil {
		return 0, fmt.Errorf("dpt 5.001: %w", err)
	}
	return int(float32(v) + 0.5), nil
}

// packCounter is DPT 5.010: one unsigned byte, clamped.
func packCounter(v int) []byte {
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return []byte{0, byte(v)}
}

func unpackCounter(data []byte) (int, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("dpt 5.010: need 2 bytes, got %d", len(data))
	}
	return int(data[1]), nil
}

func packLatency(ms int) []byte {
	return dpt.DPT_9002(core.ClampLatency(ms)).Pack()
}

func unpackLatency(data []byte) (int, error) {
	var v dpt.DPT_9002
	if err := v.Unpack(data); err != nil {
		return 0, fmt.Errorf("dpt 9.002: %w", err)
	}
	return core.ClampLatency(int(math.Round(float64(v)))), nil
}
