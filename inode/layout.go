// Package inode implements the multi-level indexed inode layer
// (component C2): on-disk inodes with 12 direct + 1 indirect + 1
// doubly-indirect pointers, sparse growth, and an open-inode registry.
//
// Grounded on biscuit/src/fs/super.go's field-accessor style (fieldr/
// fieldw reading fixed 4-byte slots out of a cached sector via the
// block cache) and on src/filesys/inode.c, the Pintos multilevel-index
// inode this component's direct/indirect/doubly-indirect layout is
// named after.
package inode

import (
	"encoding/binary"

	"teachkern/cache"
	"teachkern/defs"
)

const (
	// NDirect is the number of direct sector pointers in an inode.
	NDirect = 12
	// PtrsPerBlock is the number of 4-byte sector pointers that fit in
	// one sector (512/4).
	PtrsPerBlock = cache.SectorSize / 4
	// Magic identifies a valid on-disk inode (spec §6).
	Magic = 0x494e4f44

	offDirect0   = 0
	offIndirect  = NDirect * 4
	offDoubly    = offIndirect + 4
	offLength    = offDoubly + 4
	offMagic     = offLength + 4
	inodeHdrSize = offMagic + 4

	// MaxFileSize is (12 + 128 + 128^2) * 512, spec §4.2.
	MaxFileSize = (NDirect + PtrsPerBlock + PtrsPerBlock*PtrsPerBlock) * cache.SectorSize
)

func readU32(c *cache.Cache, sector, ofs int) uint32 {
	buf := make([]byte, 4)
	if err := c.Read(sector, buf, ofs, 4); err != nil {
		defs.Halt("inode: sector read failed: " + err.Error())
	}
	return binary.LittleEndian.Uint32(buf)
}

func writeU32(c *cache.Cache, sector, ofs int, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if err := c.Write(sector, buf, ofs, 4); err != nil {
		defs.Halt("inode: sector write failed: " + err.Error())
	}
}

// direct returns the i'th direct sector pointer (0 = hole).
func direct(c *cache.Cache, inodeSector, i int) int {
	return int(readU32(c, inodeSector, offDirect0+i*4))
}

func setDirect(c *cache.Cache, inodeSector, i, sector int) {
	writeU32(c, inodeSector, offDirect0+i*4, uint32(sector))
}

func indirectPtr(c *cache.Cache, inodeSector int) int {
	return int(readU32(c, inodeSector, offIndirect))
}

func setIndirectPtr(c *cache.Cache, inodeSector, sector int) {
	writeU32(c, inodeSector, offIndirect, uint32(sector))
}

func doublyPtr(c *cache.Cache, inodeSector int) int {
	return int(readU32(c, inodeSector, offDoubly))
}

func setDoublyPtr(c *cache.Cache, inodeSector, sector int) {
	writeU32(c, inodeSector, offDoubly, uint32(sector))
}

func onDiskLength(c *cache.Cache, inodeSector int) int {
	return int(readU32(c, inodeSector, offLength))
}

func setOnDiskLength(c *cache.Cache, inodeSector, length int) {
	writeU32(c, inodeSector, offLength, uint32(length))
}

func onDiskMagic(c *cache.Cache, inodeSector int) uint32 {
	return readU32(c, inodeSector, offMagic)
}

func setOnDiskMagic(c *cache.Cache, inodeSector int) {
	writeU32(c, inodeSector, offMagic, Magic)
}

// blockSlot reads the sector pointer stored at index idx within the
// sector at blockSector (an indirect or doubly-indirect block).
func blockSlot(c *cache.Cache, blockSector, idx int) int {
	return int(readU32(c, blockSector, idx*4))
}

func setBlockSlot(c *cache.Cache, blockSector, idx, sector int) {
	writeU32(c, blockSector, idx*4, uint32(sector))
}

// sectorIndex decomposes a logical sector index (byte offset / 512)
// into direct/indirect/doubly coordinates, per spec §4.2's translation
// algorithm.
type sectorIndex struct {
	kind int // 0 = direct, 1 = indirect, 2 = doubly-indirect
	d    int // direct index, if kind == 0
	hi   int // indirect-block index, if kind == 2 (or 0 if kind == 1)
	lo   int // slot within the indirect block
}

func classify(k int) sectorIndex {
	if k < NDirect {
		return sectorIndex{kind: 0, d: k}
	}
	k -= NDirect
	if k < PtrsPerBlock {
		return sectorIndex{kind: 1, lo: k}
	}
	k -= PtrsPerBlock
	return sectorIndex{kind: 2, hi: k / PtrsPerBlock, lo: k % PtrsPerBlock}
}
