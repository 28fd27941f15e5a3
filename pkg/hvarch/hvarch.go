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

// Package hvarch defines the address types, page arithmetic and fixed
// address-space layout shared by the hypervisor's three address spaces
// (host-virtual, guest-physical and device/IOMMU).
package hvarch

import "fmt"

// Addr is an address in one of the hypervisor's address spaces. The three
// spaces share one representation; the aliases below exist to make
// signatures self-describing, not to provide type safety.
type Addr uint64

type (
	// PhysAddr is a host-physical address.
	PhysAddr = Addr

	// VirtAddr is an address in the hypervisor's own virtual space.
	VirtAddr = Addr

	// GuestPhysAddr is an address in a guest's physical space, translated
	// by the nested (stage-2) tables.
	GuestPhysAddr = Addr
)

const (
	// PageShift is the base-2 log of the smallest mapping granularity.
	PageShift = 12

	// PageSize is the smallest mapping granularity.
	PageSize = 1 << PageShift

	// HugePageSize is the level-2 block mapping size.
	HugePageSize = 1 << 21

	// SuperPageSize is the level-3 block mapping size.
	SuperPageSize = 1 << 30
)

const (
	// HvBase is the fixed virtual base of the hypervisor image.
	HvBase VirtAddr = 0xffff_ff00_0000_0000

	// IommuBase is the fixed offset at which IOMMU register windows are
	// mapped into the hypervisor's virtual space: unit registers at
	// host-physical p appear at IommuBase+p.
	IommuBase VirtAddr = 0xffff_ff80_0000_0000

	// PerCPUSize is the size of one per-CPU area in the hypervisor image,
	// part of the contract with the boot loader.
	PerCPUSize = 512 << 10
)

// CBit is the memory-encryption bit carried in physical addresses on
// platforms with inline memory encryption (AMD SME and friends). A physical
// address with CBit set refers to the encrypted view of the page.
const CBit PhysAddr = 1 << 47

// EncryptedPhys returns p addressed through the platform's memory
// encryption path.
func EncryptedPhys(p PhysAddr) PhysAddr {
	return p | CBit
}

// DecryptedPhys returns p with the encryption bit cleared.
func DecryptedPhys(p PhysAddr) PhysAddr {
	return p &^ CBit
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok
// is true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// IsPageAligned returns true if v.RoundDown() == v.
func (v Addr) IsPageAligned() bool {
	return v&(PageSize-1) == 0
}

// PageOffset returns the offset of v within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// PageCount returns the number of pages spanned by size bytes, rounding up.
func PageCount(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// OffsetMapper converts between a physical range and the fixed virtual
// window it is mapped at. The hypervisor's own image uses one instance,
// computed once from the boot configuration.
type OffsetMapper struct {
	delta Addr
}

// NewOffsetMapper returns a mapper for a window placing physBase at
// virtBase.
func NewOffsetMapper(virtBase VirtAddr, physBase PhysAddr) OffsetMapper {
	return OffsetMapper{delta: virtBase - DecryptedPhys(physBase)}
}

// PhysToVirt returns the virtual address of p inside the window. The
// encryption bit, if present, is not part of the location.
func (m OffsetMapper) PhysToVirt(p PhysAddr) VirtAddr {
	return DecryptedPhys(p) + m.delta
}

// VirtToPhys returns the physical address mapped at v.
func (m OffsetMapper) VirtToPhys(v VirtAddr) PhysAddr {
	return v - m.delta
}

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}
