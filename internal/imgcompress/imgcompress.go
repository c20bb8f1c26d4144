// Package imgcompress shrinks a raw disk image for storage as a golden test
// fixture. A mostly-empty FAT or exFAT image is almost entirely runs of a
// single repeated byte (usually 0x00), so run-length encoding it before
// gzip gets far better compression than gzip alone: an all-zero 32 MiB
// image reduces to a few hundred bytes instead of tens of kilobytes.
//
// Ground: utilities/compression's CompressImage/DecompressImage and the
// RLE8 encoding they use (the Microsoft BMP byte-RLE scheme: a repeated
// byte B occurring N>=2 times is written as B, B, then a byte giving N-2,
// runs over 257 bytes split across multiple triples), trimmed to only the
// compress/decompress path testutil's golden-fixture helpers call.
package imgcompress

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// CompressImage RLE8-encodes input, then gzips the result into output, and
// returns the number of compressed bytes written.
func CompressImage(input io.Reader, output io.Writer) (int64, error) {
	writer := countingWriter{Writer: output}

	gzWriter, err := gzip.NewWriterLevel(&writer, gzip.BestCompression)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	_, err = compressRLE8(input, gzWriter)
	closeErr := gzWriter.Close()
	if err != nil {
		err = fmt.Errorf("RLE8 compression error: %w", err)
	} else if closeErr != nil {
		err = fmt.Errorf("gzip compression error: %w", closeErr)
	}
	return writer.BytesWritten, err
}

// DecompressImage reverses CompressImage, writing the original disk image
// bytes to output.
func DecompressImage(input io.Reader, output io.Writer) (int64, error) {
	gzReader, err := gzip.NewReader(input)
	if err != nil {
		return 0, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()
	return decompressRLE8(gzReader, output)
}

// DecompressImageToBytes is DecompressImage, returning a fresh byte slice
// instead of writing to a caller-supplied Writer. This is the shape
// testutil.LoadCompressedImage needs for mounting a golden fixture
// directly as a Device.
func DecompressImageToBytes(input io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := DecompressImage(input, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type countingWriter struct {
	Writer       io.Writer
	BytesWritten int64
}

func (w *countingWriter) Write(b []byte) (int, error) {
	n, err := w.Writer.Write(b)
	if err == nil {
		w.BytesWritten += int64(n)
	}
	return n, err
}

// byteRun is a single maximal run of one repeated byte value, as produced by
// scanning the input with runScanner.
type byteRun struct {
	value  byte
	length int
}

// runScanner groups a byte stream into maximal runs of a repeated value,
// the same grouping utilities/compression's RLEGrouper performs, trimmed to
// exactly what compressRLE8 consumes (no exported standalone grouper type,
// since nothing outside this file needs one).
type runScanner struct {
	rd io.ByteScanner
}

func newRunScanner(r io.Reader) runScanner {
	return runScanner{rd: bufio.NewReader(r)}
}

func (s runScanner) next() (byteRun, error) {
	first, err := s.rd.ReadByte()
	if err != nil {
		return byteRun{}, err
	}

	length := 1
	for {
		b, err := s.rd.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return byteRun{value: first, length: length}, io.EOF
			}
			return byteRun{}, err
		}
		if b != first {
			s.rd.UnreadByte()
			return byteRun{value: first, length: length}, nil
		}
		length++
	}
}

// compressRLE8 encodes input as RLE8 triples (or singletons for runs of 1),
// splitting runs longer than 257 bytes across multiple triples, and writes
// the result to output.
func compressRLE8(input io.Reader, output io.Writer) (int64, error) {
	scanner := newRunScanner(input)
	var total int64

	for {
		run, scanErr := scanner.next()
		if scanErr != nil && !errors.Is(scanErr, io.EOF) {
			return total, scanErr
		}

		for run.length >= 2 {
			repeat := run.length - 2
			if repeat > 255 {
				repeat = 255
			}
			n, err := output.Write([]byte{run.value, run.value, byte(repeat)})
			if err != nil {
				return total, err
			}
			total += int64(n)
			run.length -= repeat + 2
		}
		if run.length == 1 {
			n, err := output.Write([]byte{run.value})
			if err != nil {
				return total, err
			}
			total += int64(n)
		}

		if scanErr != nil {
			return total, nil
		}
	}
}

// decompressRLE8 reverses compressRLE8.
func decompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	lastByte := -1
	var total int64

	for {
		b, err := source.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, fmt.Errorf("error reading input: %w", err)
		}

		var chunk []byte
		if int(b) == lastByte {
			repeatByte, err := source.ReadByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("%w: missing repeat count after two %02x bytes", io.ErrUnexpectedEOF, uint(lastByte))
				}
				return total, fmt.Errorf("failed to read repeat count: %w", err)
			}
			chunk = bytes.Repeat([]byte{b}, int(repeatByte)+1)
			lastByte = -1
		} else {
			lastByte = int(b)
			chunk = []byte{b}
		}

		n, err := output.Write(chunk)
		if err != nil {
			return total, fmt.Errorf("failed to write to output: %w", err)
		}
		total += int64(n)
	}
}
