package hashfs

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct{ inum, lblk uint32 }{
		{0, 0},
		{1, 1},
		{0xDEADBEEF, 0x12345},
		{0xFFFFFFFF, 0},
		{0xFFFFFFFE, 0xFFFFFFFF},
	}
	for _, c := range cases {
		k, ok := EncodeKey(c.inum, c.lblk)
		if !ok {
			t.Fatalf("EncodeKey(%#x, %#x) reported not ok unexpectedly", c.inum, c.lblk)
		}
		inum, lblk := k.Decode()
		if inum != c.inum || lblk != c.lblk {
			t.Errorf("round trip mismatch: got (%#x, %#x), want (%#x, %#x)", inum, lblk, c.inum, c.lblk)
		}
	}
}

func TestEncodeKeyRejectsSentinelCollisions(t *testing.T) {
	if _, ok := EncodeKey(0xFFFFFFFF, 0xFFFFFFFF); ok {
		t.Error("expected EncodeKey to reject the EmptyKey collision")
	}
	if _, ok := EncodeKey(0xFFFFFFFF, 0xFFFFFFFE); ok {
		t.Error("expected EncodeKey to reject the TombstoneKey collision")
	}
}

func TestIsSentinel(t *testing.T) {
	if !EmptyKey.IsSentinel() {
		t.Error("EmptyKey should be a sentinel")
	}
	if !TombstoneKey.IsSentinel() {
		t.Error("TombstoneKey should be a sentinel")
	}
	k, _ := EncodeKey(1, 1)
	if k.IsSentinel() {
		t.Error("an ordinary key should not be a sentinel")
	}
}
