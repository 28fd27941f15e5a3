// Copyright 2025 The hyperenclave Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hvarch

import "testing"

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
		ok   bool
	}{
		{0x0, 0x0, 0x0, true},
		{0x1, 0x0, 0x1000, true},
		{0xfff, 0x0, 0x1000, true},
		{0x1000, 0x1000, 0x1000, true},
		{0x1001, 0x1000, 0x2000, true},
		{^Addr(0), ^Addr(0) &^ (PageSize - 1), 0, false},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("RoundDown(%#x) = %#x, want %#x", uint64(tc.addr), uint64(got), uint64(tc.down))
		}
		got, ok := tc.addr.RoundUp()
		if ok != tc.ok || (ok && got != tc.up) {
			t.Errorf("RoundUp(%#x) = (%#x, %v), want (%#x, %v)", uint64(tc.addr), uint64(got), ok, uint64(tc.up), tc.ok)
		}
	}
}

func TestPageCount(t *testing.T) {
	for _, tc := range []struct {
		size uint64
		want uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{10 * PageSize, 10},
	} {
		if got := PageCount(tc.size); got != tc.want {
			t.Errorf("PageCount(%#x) = %d, want %d", tc.size, got, tc.want)
		}
	}
}

func TestEncryptedPhys(t *testing.T) {
	p := PhysAddr(0x5000000)
	e := EncryptedPhys(p)
	if e == p {
		t.Fatal("EncryptedPhys changed nothing")
	}
	if DecryptedPhys(e) != p {
		t.Errorf("DecryptedPhys(EncryptedPhys(%#x)) = %#x", uint64(p), uint64(DecryptedPhys(e)))
	}
	if !e.IsPageAligned() {
		// The C-bit sits above the page-offset bits.
		t.Error("encrypted page-aligned address is not page-aligned")
	}
}

func TestOffsetMapper(t *testing.T) {
	m := NewOffsetMapper(HvBase, 0x1000000)
	if got := m.PhysToVirt(0x1000000); got != HvBase {
		t.Errorf("PhysToVirt(0x1000000) = %#x, want %#x", uint64(got), uint64(HvBase))
	}
	if got := m.PhysToVirt(EncryptedPhys(0x1234000)); got != HvBase+0x234000 {
		t.Errorf("PhysToVirt(encrypted 0x1234000) = %#x, want %#x", uint64(got), uint64(HvBase+0x234000))
	}
	if got := m.VirtToPhys(HvBase + 0x5000); got != 0x1005000 {
		t.Errorf("VirtToPhys(HvBase+0x5000) = %#x, want 0x1005000", uint64(got))
	}
}
