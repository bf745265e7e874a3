package diskmanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrUnsupportedFAT is returned when an image holds a FAT variant the
// selected backend cannot write.
var ErrUnsupportedFAT = errors.New("unsupported FAT variant")

// FATType is the FAT variant found in an image's boot sector.
type FATType int

const (
	FATUnknown FATType = iota
	FAT12
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "unknown"
	}
}

// bpb holds the BIOS parameter block fields shared by all FAT variants,
// as laid out from offset 11 of the boot sector.
type bpb struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	RootEntries       uint16
	TotalSectors16    uint16
	Media             uint8
	SectorsPerFAT16   uint16
	SectorsPerTrack   uint16
	Heads             uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
}

// DetectFATType reads the boot sector of the image at diskPath and reports
// which FAT variant it holds. A FAT16 BPB carries its FAT size in the
// 16-bit field; FAT32 zeroes it and uses the 32-bit one. FAT12 and FAT16
// are told apart by cluster count.
func DetectFATType(diskPath string) (FATType, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return FATUnknown, fmt.Errorf("failed to open disk: %w", err)
	}
	defer f.Close()

	sector := make([]byte, 512)
	if _, err := io.ReadFull(f, sector); err != nil {
		return FATUnknown, fmt.Errorf("%w: failed to read boot sector: %v", ErrUnsupportedFAT, err)
	}
	return fatTypeOf(sector)
}

func fatTypeOf(sector []byte) (FATType, error) {
	var b bpb
	if _, err := binary.Decode(sector[11:], binary.LittleEndian, &b); err != nil {
		return FATUnknown, fmt.Errorf("%w: %v", ErrUnsupportedFAT, err)
	}

	switch b.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return FATUnknown, fmt.Errorf("%w: no FAT boot sector (bytes per sector %d)", ErrUnsupportedFAT, b.BytesPerSector)
	}
	spc := b.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 || b.NumFATs == 0 {
		return FATUnknown, fmt.Errorf("%w: no FAT boot sector", ErrUnsupportedFAT)
	}

	if b.SectorsPerFAT16 == 0 {
		if b.SectorsPerFAT32 == 0 {
			return FATUnknown, fmt.Errorf("%w: boot sector has no FAT size", ErrUnsupportedFAT)
		}
		return FAT32, nil
	}

	total := uint32(b.TotalSectors16)
	if total == 0 {
		total = b.TotalSectors32
	}
	rootSectors := (uint32(b.RootEntries)*32 + uint32(b.BytesPerSector) - 1) / uint32(b.BytesPerSector)
	meta := uint32(b.ReservedSectors) + uint32(b.NumFATs)*uint32(b.SectorsPerFAT16) + rootSectors
	if total <= meta {
		return FATUnknown, fmt.Errorf("%w: boot sector leaves no data area", ErrUnsupportedFAT)
	}
	if (total-meta)/uint32(spc) < 4085 {
		return FAT12, nil
	}
	return FAT16, nil
}
