package debugger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSlot(t *testing.T) {
	tests := []struct {
		name   string
		slot   int
		length int
		cond   Condition
		want   uint64
	}{
		{name: "slot 0 execute 1", slot: 0, length: 1, cond: CondExecute, want: 0x1},
		{name: "slot 0 execute 4", slot: 0, length: 4, cond: CondExecute, want: 0x1 | 3<<18},
		{name: "slot 1 write 4", slot: 1, length: 4, cond: CondWrite, want: 1<<2 | 1<<20 | 3<<22},
		{name: "slot 2 write 2", slot: 2, length: 2, cond: CondWrite, want: 1<<4 | 1<<24 | 1<<26},
		{name: "slot 3 readwrite 4", slot: 3, length: 4, cond: CondReadWrite, want: 1<<6 | 3<<28 | 3<<30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeSlot(0, tt.slot, tt.length, tt.cond))
		})
	}
}

func TestEncodeSlot_PreservesOtherSlots(t *testing.T) {
	dr7 := encodeSlot(0, 0, 4, CondReadWrite)
	dr7 = encodeSlot(dr7, 2, 1, CondExecute)
	dr7 = encodeSlot(dr7, 0, 1, CondWrite)

	assert.Equal(t, uint64(1|1<<16|1<<4), dr7)
	assert.Equal(t, encodeSlot(0, 2, 1, CondExecute), clearSlot(dr7, 0))
}

func TestClearSlot(t *testing.T) {
	const unrelated = uint64(1<<8 | 1<<9 | 1<<13)

	for slot := 0; slot < NumSlots; slot++ {
		dr7 := encodeSlot(unrelated, slot, 4, CondReadWrite)
		assert.Equal(t, unrelated, clearSlot(dr7, slot), "slot %d", slot)
	}
}

func TestHitSlot(t *testing.T) {
	tests := []struct {
		dr6  uint64
		slot int
		ok   bool
	}{
		{dr6: 0, ok: false},
		{dr6: 1 << 14, ok: false},
		{dr6: 0x1, slot: 0, ok: true},
		{dr6: 0x4, slot: 2, ok: true},
		{dr6: 0x8 | 1<<14, slot: 3, ok: true},
		{dr6: 0x6, slot: 1, ok: true},
		{dr6: 0xFFFF0FF0, ok: false},
	}

	for _, tt := range tests {
		slot, ok := hitSlot(tt.dr6)
		assert.Equal(t, tt.ok, ok, "dr6=%#x", tt.dr6)
		if tt.ok {
			assert.Equal(t, tt.slot, slot, "dr6=%#x", tt.dr6)
		}
	}
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		in   string
		want Condition
	}{
		{"x", CondExecute},
		{"execute", CondExecute},
		{"W", CondWrite},
		{"write", CondWrite},
		{"rw", CondReadWrite},
		{"readwrite", CondReadWrite},
		{"read/write", CondReadWrite},
	}

	for _, tt := range tests {
		got, err := ParseCondition(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseCondition("io")
	assert.Error(t, err)
}

func TestCondition_Valid(t *testing.T) {
	assert.True(t, CondExecute.Valid())
	assert.True(t, CondWrite.Valid())
	assert.True(t, CondReadWrite.Valid())
	assert.False(t, Condition(0b10).Valid())
	assert.False(t, Condition(7).Valid())
}
