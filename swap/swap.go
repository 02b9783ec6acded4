// Package swap implements the swap device (component C4): a
// bitmap.Bitmap-backed allocator over a device.Disk, sized in
// page-sized (8-sector) slots.
//
// Grounded on src/vm/swap.c (init sizes a bitmap to device_size/8
// slots; write_page finds+flips a free bit then writes the slot;
// read_page reads and frees) and on bitmap.Bitmap's single
// short-term-lock scan-and-flip, itself grounded on
// biscuit/src/mem/mem.go's Physmem_t free-list discipline.
package swap

import (
	"fmt"

	"teachkern/bitmap"
	"teachkern/device"
)

// SectorsPerSlot is the number of consecutive sectors in one swap slot
// (§6 "Swap slot layout"): one simulated page.
const SectorsPerSlot = 8

// PageSize is the byte size of one swap slot.
const PageSize = SectorsPerSlot * device.SectorSize

// Device is the swap device: a fixed number of page-sized slots over a
// backing disk, with a bitmap tracking which slots are occupied.
type Device struct {
	disk device.Disk
	bm   *bitmap.Bitmap
}

// Init sizes a bitmap to device_size/8 page-slots and binds it to disk
// (§4.4 "init()"). disk must have Role() == device.Swap.
func Init(disk device.Disk) *Device {
	slots := disk.Size() / SectorsPerSlot
	return &Device{disk: disk, bm: bitmap.New(slots)}
}

// WritePage atomically finds and flips a free bit, then writes the
// page-sized buf across its 8 sectors, returning the slot index. ok is
// false if the swap device is full (§7 "resource exhaustion ... no
// free swap slot").
func (d *Device) WritePage(buf []byte) (index int, ok bool) {
	if len(buf) != PageSize {
		panic(fmt.Sprintf("swap: buffer must be exactly %d bytes", PageSize))
	}
	idx, ok := d.bm.Alloc()
	if !ok {
		return 0, false
	}
	base := idx * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		d.disk.Write(base+i, buf[i*device.SectorSize:(i+1)*device.SectorSize])
	}
	return idx, true
}

// ReadPage reads the slot at index into buf and frees the slot (§4.4
// "read_page(index, buf) reads and frees the slot").
func (d *Device) ReadPage(index int, buf []byte) {
	if len(buf) != PageSize {
		panic(fmt.Sprintf("swap: buffer must be exactly %d bytes", PageSize))
	}
	base := index * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		d.disk.Read(base+i, buf[i*device.SectorSize:(i+1)*device.SectorSize])
	}
	d.bm.Free(index)
}

// Free clears the bit for index without reading its contents, for
// callers (like munmap) that discard a swapped-out page outright.
func (d *Device) Free(index int) {
	d.bm.Free(index)
}

// Slots reports the total number of page-sized slots.
func (d *Device) Slots() int {
	return d.bm.Len()
}

// InUse reports whether a slot is currently occupied, for tests.
func (d *Device) InUse(index int) bool {
	return d.bm.InUse(index)
}
