package mulaw

import (
	"bytes"
	"testing"
)

func TestGenerateDTMFSkipsUnknownCharacters(t *testing.T) {
	withJunk := GenerateDTMF("1x2", 100, 80)
	without := GenerateDTMF("12", 100, 80)
	if !bytes.Equal(withJunk, without) {
		t.Fatalf("unknown characters should be silently skipped")
	}
}

func TestGenerateDTMFNoTrailingGap(t *testing.T) {
	one := GenerateDTMF("1", 100, 80)
	two := GenerateDTMF("11", 100, 80)
	// two digits = one tone + gap + one tone; never tone+gap+tone+gap.
	if len(two) != 2*len(one)+samplesFor(80) {
		t.Fatalf("unexpected length: got %d want %d", len(two), 2*len(one)+samplesFor(80))
	}
}

func TestGenerateDTMFWaitInsertsSilence(t *testing.T) {
	out := GenerateDTMF("1w2", 100, 80)
	waitLen := samplesFor(500)
	toneLen := samplesFor(100)
	gapLen := samplesFor(80)
	want := toneLen + gapLen + waitLen + gapLen + toneLen
	if len(out) != want {
		t.Fatalf("len = %d, want %d", len(out), want)
	}
}

func TestChunkForStreamPadsTailWithSilence(t *testing.T) {
	audio := bytes.Repeat([]byte{0x01}, 250)
	frames := ChunkForStream(audio, 160)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[1]) != 160 {
		t.Fatalf("tail frame not padded to frame size: got %d", len(frames[1]))
	}
	for i := 90; i < 160; i++ {
		if frames[1][i] != Silence {
			t.Fatalf("tail frame byte %d = %#x, want silence", i, frames[1][i])
		}
	}
}

func TestChunkForStreamRoundTrip(t *testing.T) {
	audio := GenerateDTMF("159#", 100, 80)
	frames := ChunkForStream(audio, 160)

	var rejoined []byte
	for _, f := range frames {
		rejoined = append(rejoined, f...)
	}

	padded := make([]byte, len(frames)*160)
	copy(padded, audio)
	for i := len(audio); i < len(padded); i++ {
		padded[i] = Silence
	}

	if !bytes.Equal(rejoined, padded) {
		t.Fatalf("chunked-then-concatenated audio does not equal silence-padded original")
	}
}

func TestEncodeDecodeSampleRoundTripIsLossyButMonotonic(t *testing.T) {
	prev := int16(-32000)
	for _, s := range []int16{-32000, -1000, -1, 0, 1, 1000, 32000} {
		decoded := DecodeSample(EncodeSample(s))
		if s > prev && decoded < DecodeSample(EncodeSample(prev)) {
			t.Fatalf("encoding is not monotonic at sample %d", s)
		}
		prev = s
	}
}

func TestEncodeSampleSilenceIsAllOnes(t *testing.T) {
	if got := EncodeSample(0); got != 0xFF {
		t.Fatalf("EncodeSample(0) = %#x, want 0xFF", got)
	}
}
