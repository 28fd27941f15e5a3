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

package pagetables

import (
	"fmt"

	"github.com/ttzay/hyperenclave/pkg/hvarch"
	"github.com/ttzay/hyperenclave/pkg/memmap"
)

// Format encodes abstract region flags into one concrete table-entry
// format. The three instances below cover the hypervisor's address spaces;
// the walker is format-agnostic.
//
// address returns the physical address an entry points at, with the
// encryption bit (if the format has one) stripped; decodeFlags reports it
// as memmap.Encrypted instead.
type Format interface {
	// Name identifies the format in errors and logs.
	Name() string

	encodeLeaf(phys hvarch.PhysAddr, flags memmap.MemFlags, level int) (PTE, error)
	encodeTable(phys hvarch.PhysAddr) PTE
	present(e PTE) bool
	block(e PTE, level int) bool
	address(e PTE) hvarch.PhysAddr
	decodeFlags(e PTE, level int) memmap.MemFlags
}

const entryAddrMask = 0x000f_ffff_ffff_f000

// Stage-1 x86-64 entry bits.
const (
	hostPresent  PTE = 1 << 0
	hostWritable PTE = 1 << 1
	hostUser     PTE = 1 << 2
	hostAccessed PTE = 1 << 5
	hostDirty    PTE = 1 << 6
	hostBlock    PTE = 1 << 7
	hostGlobal   PTE = 1 << 8
	hostNX       PTE = 1 << 63

	hostCBit = PTE(hvarch.CBit)
)

// hostFormat is the hypervisor's own stage-1 format. ENCRYPTED is expressed
// through the C-bit in the entry's address field.
type hostFormat struct{}

// HostFormat is the single-stage host-virtual table format.
var HostFormat Format = hostFormat{}

// Name implements Format.Name.
func (hostFormat) Name() string { return "host" }

func (hostFormat) encodeLeaf(phys hvarch.PhysAddr, flags memmap.MemFlags, level int) (PTE, error) {
	if flags&memmap.Read == 0 {
		return 0, fmt.Errorf("%w: host mapping without READ (%v)", ErrBadFlags, flags)
	}
	e := PTE(hvarch.DecryptedPhys(phys))&entryAddrMask | hostPresent | hostAccessed | hostGlobal
	if flags&memmap.Write != 0 {
		e |= hostWritable | hostDirty
	}
	if flags&memmap.Execute == 0 {
		e |= hostNX
	}
	if flags&memmap.User != 0 {
		e |= hostUser
	}
	if flags&memmap.Encrypted != 0 {
		e |= hostCBit
	}
	if level > 1 {
		e |= hostBlock
	}
	return e, nil
}

func (hostFormat) encodeTable(phys hvarch.PhysAddr) PTE {
	// Intermediate tables live in hypervisor memory and are themselves
	// encrypted.
	return PTE(phys)&entryAddrMask | hostPresent | hostWritable | hostAccessed | hostCBit
}

func (hostFormat) present(e PTE) bool { return e&hostPresent != 0 }

func (hostFormat) block(e PTE, level int) bool { return level > 1 && e&hostBlock != 0 }

func (hostFormat) address(e PTE) hvarch.PhysAddr {
	return hvarch.DecryptedPhys(hvarch.PhysAddr(e & entryAddrMask))
}

func (hostFormat) decodeFlags(e PTE, level int) memmap.MemFlags {
	flags := memmap.Read
	if e&hostWritable != 0 {
		flags |= memmap.Write
	}
	if e&hostNX == 0 {
		flags |= memmap.Execute
	}
	if e&hostUser != 0 {
		flags |= memmap.User
	}
	if e&hostCBit != 0 {
		flags |= memmap.Encrypted
	}
	return flags
}

// Nested (stage-2/EPT) entry bits.
const (
	eptRead  PTE = 1 << 0
	eptWrite PTE = 1 << 1
	eptExec  PTE = 1 << 2
	eptBlock PTE = 1 << 7

	eptMemTypeWB PTE = 6 << 3
)

// eptFormat is the nested guest-physical format. Guest-physical space is
// normal world by construction, so ENCRYPTED is rejected rather than
// silently dropped.
type eptFormat struct{}

// EPTFormat is the nested (stage-2) guest-physical table format.
var EPTFormat Format = eptFormat{}

// Name implements Format.Name.
func (eptFormat) Name() string { return "ept" }

func (eptFormat) encodeLeaf(phys hvarch.PhysAddr, flags memmap.MemFlags, level int) (PTE, error) {
	if flags&memmap.Encrypted != 0 {
		return 0, fmt.Errorf("%w: ENCRYPTED guest-physical mapping (%v)", ErrBadFlags, flags)
	}
	e := PTE(phys)&entryAddrMask | eptMemTypeWB
	if flags&memmap.Read != 0 {
		e |= eptRead
	}
	if flags&memmap.Write != 0 {
		e |= eptWrite
	}
	if flags&memmap.Execute != 0 {
		e |= eptExec
	}
	if e&(eptRead|eptWrite|eptExec) == 0 {
		return 0, fmt.Errorf("%w: no-access guest-physical mapping (%v)", ErrBadFlags, flags)
	}
	if level > 1 {
		e |= eptBlock
	}
	return e, nil
}

func (eptFormat) encodeTable(phys hvarch.PhysAddr) PTE {
	return PTE(phys)&entryAddrMask | eptRead | eptWrite | eptExec
}

func (eptFormat) present(e PTE) bool { return e&(eptRead|eptWrite|eptExec) != 0 }

func (eptFormat) block(e PTE, level int) bool { return level > 1 && e&eptBlock != 0 }

func (eptFormat) address(e PTE) hvarch.PhysAddr {
	return hvarch.PhysAddr(e & entryAddrMask)
}

func (eptFormat) decodeFlags(e PTE, level int) memmap.MemFlags {
	var flags memmap.MemFlags
	if e&eptRead != 0 {
		flags |= memmap.Read
	}
	if e&eptWrite != 0 {
		flags |= memmap.Write
	}
	if e&eptExec != 0 {
		flags |= memmap.Execute
	}
	return flags
}

// IOMMU second-level entry bits (VT-d).
const (
	ioRead  PTE = 1 << 0
	ioWrite PTE = 1 << 1
	ioBlock PTE = 1 << 7
)

// ioFormat is the device-side second-level format. Devices do not fetch
// instructions, so EXECUTE is dropped; device-visible memory is never
// encrypted, so ENCRYPTED is rejected.
type ioFormat struct{}

// IOFormat is the IOMMU second-level table format.
var IOFormat Format = ioFormat{}

// Name implements Format.Name.
func (ioFormat) Name() string { return "iommu" }

func (ioFormat) encodeLeaf(phys hvarch.PhysAddr, flags memmap.MemFlags, level int) (PTE, error) {
	if flags&memmap.Encrypted != 0 {
		return 0, fmt.Errorf("%w: ENCRYPTED device mapping (%v)", ErrBadFlags, flags)
	}
	var e PTE
	if flags&memmap.Read != 0 {
		e |= ioRead
	}
	if flags&memmap.Write != 0 {
		e |= ioWrite
	}
	if e == 0 {
		return 0, fmt.Errorf("%w: no-access device mapping (%v)", ErrBadFlags, flags)
	}
	e |= PTE(phys) & entryAddrMask
	if level > 1 {
		e |= ioBlock
	}
	return e, nil
}

func (ioFormat) encodeTable(phys hvarch.PhysAddr) PTE {
	return PTE(phys)&entryAddrMask | ioRead | ioWrite
}

func (ioFormat) present(e PTE) bool { return e&(ioRead|ioWrite) != 0 }

func (ioFormat) block(e PTE, level int) bool { return level > 1 && e&ioBlock != 0 }

func (ioFormat) address(e PTE) hvarch.PhysAddr {
	return hvarch.PhysAddr(e & entryAddrMask)
}

func (ioFormat) decodeFlags(e PTE, level int) memmap.MemFlags {
	var flags memmap.MemFlags
	if e&ioRead != 0 {
		flags |= memmap.Read
	}
	if e&ioWrite != 0 {
		flags |= memmap.Write
	}
	return flags
}
