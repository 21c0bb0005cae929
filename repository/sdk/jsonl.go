// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package sdk

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/zeebo/errs"
)

// maxLineSize bounds a single JSONL line.
const maxLineSize = 16 << 20

// LineReader is a pull-based iterator over the non-blank lines of a
// JSONL stream. Close releases the underlying stream; callers must
// close even after io.EOF.
type LineReader struct {
	src     io.ReadCloser
	reader  *bufio.Reader
	ordinal int
	closed  bool
}

// NewLineReader wraps a stream handle.
func NewLineReader(src io.ReadCloser) *LineReader {
	return &LineReader{
		src:    src,
		reader: bufio.NewReaderSize(src, 64<<10),
	}
}

// Next returns the next non-blank line and its one-based ordinal in
// the file. Blank lines advance the ordinal but are skipped. Returns
// io.EOF after the last line.
func (lines *LineReader) Next() (line []byte, ordinal int, err error) {
	if lines.closed {
		return nil, 0, errs.New("line reader already closed")
	}
	for {
		line, err := lines.readLine()
		if err != nil {
			return nil, 0, err
		}
		lines.ordinal++
		if len(line) == 0 {
			continue
		}
		return line, lines.ordinal, nil
	}
}

func (lines *LineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lines.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(line) > maxLineSize {
				return nil, errs.New("line exceeds %d bytes", maxLineSize)
			}
			continue
		}
		if err == io.EOF {
			if len(line) == 0 {
				return nil, io.EOF
			}
			break
		}
		return nil, errs.Wrap(err)
	}
	return trimSpace(line), nil
}

// Close releases the underlying stream. Safe to call more than once.
func (lines *LineReader) Close() error {
	if lines.closed {
		return nil
	}
	lines.closed = true
	return errs.Wrap(lines.src.Close())
}

func trimSpace(line []byte) []byte {
	start := 0
	for start < len(line) && isSpace(line[start]) {
		start++
	}
	end := len(line)
	for end > start && isSpace(line[end-1]) {
		end--
	}
	return line[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// LineWriter streams JSON objects line by line.
type LineWriter struct {
	dst io.Writer
	enc *json.Encoder
}

// NewLineWriter wraps a writer.
func NewLineWriter(dst io.Writer) *LineWriter {
	return &LineWriter{dst: dst, enc: json.NewEncoder(dst)}
}

// Write appends one object as a JSONL line.
func (lines *LineWriter) Write(value interface{}) error {
	return errs.Wrap(lines.enc.Encode(value))
}
