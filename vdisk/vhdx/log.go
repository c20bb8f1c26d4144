package vhdx

import (
	"encoding/binary"
	"io"

	fterrors "github.com/maxpat78/FATtools/errors"
)

const logRecordSize = 4096

// replayLog performs a bounded scan of the log region for valid "loge"
// entries tagged with the header's current LogGuid, skipping any record
// that does not match, then applies every zero descriptor found followed
// by every data descriptor found, each in scan order; sequence numbers are
// not read (ground: LogEntryHeader/ZeroDescriptor/DataDescriptor/DataSector
// in vhdxlog.py, simplified from full CRC-32C-verified sequence
// reconstruction to signature+alignment validation: no log record's
// CRC-32C is checked, and this package never writes a log of its own).
func replayLog(stream io.ReadWriteSeeker, h Header) error {
	type zeroOp struct {
		offset, length int64
	}
	type dataOp struct {
		offset int64
		data   [4096]byte
	}

	var zeros []zeroOp
	var datas []dataOp

	offset := h.LogOffset
	end := h.LogOffset + uint64(h.LogLength)
	for offset < end {
		entryBuf := make([]byte, logRecordSize)
		if _, err := stream.Seek(int64(offset), io.SeekStart); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
		if _, err := io.ReadFull(stream, entryBuf); err != nil {
			break
		}
		if string(entryBuf[0:4]) != "loge" {
			offset += logRecordSize
			continue
		}
		entryLength := binary.LittleEndian.Uint32(entryBuf[0x08:0x0C])
		if entryLength%logRecordSize != 0 || entryLength == 0 {
			offset += logRecordSize
			continue
		}
		var guid [16]byte
		copy(guid[:], entryBuf[0x20:0x30])
		if guid != h.LogGUID {
			offset += logRecordSize
			continue
		}
		descCount := binary.LittleEndian.Uint64(entryBuf[0x18:0x20])

		cursor := offset + logRecordSize
		var pendingData []dataOp
		for d := uint64(0); d < descCount; d++ {
			descBuf := make([]byte, 32)
			if _, err := stream.Seek(int64(offset)+4096+int64(d)*32, io.SeekStart); err != nil {
				return fterrors.ErrIoError.WrapError(err)
			}
			if _, err := io.ReadFull(stream, descBuf); err != nil {
				break
			}
			switch string(descBuf[0:4]) {
			case "zero":
				length := int64(binary.LittleEndian.Uint64(descBuf[0x08:0x10]))
				fileOffset := int64(binary.LittleEndian.Uint64(descBuf[0x10:0x18]))
				zeros = append(zeros, zeroOp{offset: fileOffset, length: length})
			case "desc":
				fileOffset := int64(binary.LittleEndian.Uint64(descBuf[0x10:0x18]))
				pendingData = append(pendingData, dataOp{offset: fileOffset})
			}
		}
		// Data sectors immediately follow the descriptor array, one 4 KiB
		// sector per "desc" descriptor, in order.
		sectorBase := offset + 4096 + descCount*32
		for i := range pendingData {
			sectorBuf := make([]byte, 4096)
			if _, err := stream.Seek(int64(sectorBase)+int64(i)*4096, io.SeekStart); err != nil {
				return fterrors.ErrIoError.WrapError(err)
			}
			if _, err := io.ReadFull(stream, sectorBuf); err != nil {
				break
			}
			copy(pendingData[i].data[:], sectorBuf)
		}
		datas = append(datas, pendingData...)

		offset = cursor + uint64(entryLength) - logRecordSize
	}

	for _, z := range zeros {
		if _, err := stream.Seek(z.offset, io.SeekStart); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
		if _, err := stream.Write(make([]byte, z.length)); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}
	for _, d := range datas {
		if _, err := stream.Seek(d.offset, io.SeekStart); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
		if _, err := stream.Write(d.data[:]); err != nil {
			return fterrors.ErrIoError.WrapError(err)
		}
	}
	return nil
}
