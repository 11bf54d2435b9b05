// Package mulaw synthesizes DTMF tones directly as 8kHz mono G.711 µ-law
// audio, and chunks arbitrary µ-law audio into fixed-size frames suitable for
// real-time injection into a carrier media stream.
package mulaw

import (
	"math"
	"strings"
)

const (
	// SampleRateHz is the fixed rate every µ-law frame in this package is
	// encoded at; carrier media streams are 8kHz mono and this package
	// never resamples on the carrier side.
	SampleRateHz = 8000
	// toneAmplitude keeps two summed sinusoids under int16 range.
	toneAmplitude = 0.65 * (1 << 14)
	// Silence is the µ-law encoding of a zero-amplitude sample.
	Silence byte = 0xFF
)

var dtmfFreqs = map[byte][2]float64{
	'1': {697, 1209}, '2': {697, 1336}, '3': {697, 1477}, 'A': {697, 1633},
	'4': {770, 1209}, '5': {770, 1336}, '6': {770, 1477}, 'B': {770, 1633},
	'7': {852, 1209}, '8': {852, 1336}, '9': {852, 1477}, 'C': {852, 1633},
	'*': {941, 1209}, '0': {941, 1336}, '#': {941, 1477}, 'D': {941, 1633},
}

// GenerateDTMF renders digits as ITU dual-tone audio, 8kHz mono µ-law.
// Recognized characters: 0-9, *, #, A-D (case-insensitive) as tones, W/w as
// a 500ms silence; any other character is silently skipped. Tones and waits
// alike are separated by gapMs of silence; there is no trailing gap after
// the last tone or wait actually emitted.
func GenerateDTMF(digits string, toneMs, gapMs int) []byte {
	tone := toneSamples(toneMs)
	gap := repeatByte(Silence, samplesFor(gapMs))
	wait := repeatByte(Silence, samplesFor(500))

	out := make([]byte, 0, len(digits)*(len(tone)+len(gap)))
	pendingGap := false
	for i := 0; i < len(digits); i++ {
		c := byte(strings.ToUpper(string(digits[i]))[0])
		switch {
		case c == 'W':
			if pendingGap {
				out = append(out, gap...)
			}
			out = append(out, wait...)
			pendingGap = true
		default:
			freqs, ok := dtmfFreqs[c]
			if !ok {
				continue
			}
			if pendingGap {
				out = append(out, gap...)
			}
			out = append(out, encodeTone(freqs[0], freqs[1], tone)...)
			pendingGap = true
		}
	}
	return out
}

func samplesFor(ms int) int {
	return SampleRateHz * ms / 1000
}

func toneSamples(toneMs int) []int16 {
	return make([]int16, samplesFor(toneMs))
}

func encodeTone(f1, f2 float64, scratch []int16) []byte {
	n := len(scratch)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		t := float64(i) / SampleRateHz
		sample := toneAmplitude * (math.Sin(2*math.Pi*f1*t) + math.Sin(2*math.Pi*f2*t)) / 2
		out[i] = EncodeSample(int16(sample))
	}
	return out
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// ChunkForStream splits audio into fixed-size frames (default 160 bytes,
// i.e. 20ms at 8kHz µ-law). The final frame is padded with silence to
// frameBytes if the input doesn't divide evenly.
func ChunkForStream(audio []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 {
		frameBytes = 160
	}
	var frames [][]byte
	for offset := 0; offset < len(audio); offset += frameBytes {
		end := offset + frameBytes
		if end > len(audio) {
			frame := make([]byte, frameBytes)
			copy(frame, audio[offset:])
			for i := len(audio) - offset; i < frameBytes; i++ {
				frame[i] = Silence
			}
			frames = append(frames, frame)
			break
		}
		frame := make([]byte, frameBytes)
		copy(frame, audio[offset:end])
		frames = append(frames, frame)
	}
	return frames
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeSample compresses one 16-bit linear PCM sample to G.711 µ-law,
// per the ITU algorithm: bias 0x84, clip at 32635, sign from input polarity,
// 3-bit exponent from the highest set bit above the bias, 4-bit mantissa,
// and the final byte is the bitwise complement of sign|exp<<4|mantissa.
func EncodeSample(sample int16) byte {
	sign := byte(0)
	s := int(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := 0x4000; (s&mask) == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// DecodeSample expands one G.711 µ-law byte back to 16-bit linear PCM.
func DecodeSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	sample := (int(mantissa)<<3 + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}
