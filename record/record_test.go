// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package record

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func short(s string) string {
	if len(s) < 64 {
		return s
	}
	return fmt.Sprintf("%s...(skipping %d bytes)...%s", s[:20], len(s)-40, s[len(s)-20:])
}

// big returns a string of length n, composed of repetitions of partial.
func big(partial string, n int) string {
	return strings.Repeat(partial, n/len(partial)+1)[:n]
}

// TestZeroBlocks tests that reading nothing but all-zero blocks gives io.EOF.
// This includes decoding an empty stream.
func TestZeroBlocks(t *testing.T) {
	for i := 0; i < 3; i++ {
		r := NewReader(bytes.NewReader(make([]byte, i*blockSize)))
		_, err := r.Next()
		require.Equal(t, io.EOF, err, "%d blocks", i)
	}
}

func testGenerator(t *testing.T, reset func(), gen func() (string, bool)) {
	buf := new(bytes.Buffer)

	reset()
	w := NewWriter(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		ww, err := w.Next()
		require.NoError(t, err)
		_, err = ww.Write([]byte(s))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	reset()
	r := NewReader(buf)
	for {
		s, ok := gen()
		if !ok {
			break
		}
		rr, err := r.Next()
		require.NoError(t, err)
		x, err := io.ReadAll(rr)
		require.NoError(t, err)
		if string(x) != s {
			t.Fatalf("got %q, want %q", short(string(x)), short(s))
		}
	}
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func testLiterals(t *testing.T, s []string) {
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == len(s) {
			return "", false
		}
		i++
		return s[i-1], true
	}
	testGenerator(t, reset, gen)
}

func TestMany(t *testing.T) {
	const n = 1e5
	var i int
	reset := func() {
		i = 0
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return fmt.Sprintf("%d.", i-1), true
	}
	testGenerator(t, reset, gen)
}

func TestRandom(t *testing.T) {
	const n = 1e2
	var (
		i int
		r *rand.Rand
	)
	reset := func() {
		i, r = 0, rand.New(rand.NewSource(0))
	}
	gen := func() (string, bool) {
		if i == n {
			return "", false
		}
		i++
		return strings.Repeat(string(rune(uint8(i))), r.Intn(2*blockSize+16)), true
	}
	testGenerator(t, reset, gen)
}

func TestBasic(t *testing.T) {
	testLiterals(t, []string{
		strings.Repeat("a", 1000),
		strings.Repeat("b", 97270),
		strings.Repeat("c", 8000),
	})
}

func TestBoundary(t *testing.T) {
	for i := blockSize - 16; i < blockSize+16; i++ {
		s0 := big("abcd", i)
		for j := blockSize - 16; j < blockSize+16; j++ {
			s1 := big("ABCDE", j)
			testLiterals(t, []string{s0, s1})
			testLiterals(t, []string{s0, "", s1})
			testLiterals(t, []string{s0, "x", s1})
		}
	}
}

func TestWriteThrough(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	// An open record stays buffered until it is completed.
	w0, _ := w.Next()
	_, _ = w0.Write([]byte("0"))
	require.Equal(t, 0, buf.Len())
	// WriteRecord completes the open record and writes both: two headers
	// and 1 + 2 payload bytes.
	end, err := w.WriteRecord([]byte("11"))
	require.NoError(t, err)
	require.Equal(t, 17, buf.Len())
	require.EqualValues(t, 17, end)
	require.EqualValues(t, 17, w.Size())

	// A record larger than the rest of the block writes the full block as
	// soon as it is filled.
	w2, _ := w.Next()
	_, _ = w2.Write(bytes.Repeat([]byte("2"), 40000))
	require.Equal(t, blockSize, buf.Len())
	// The record is split into two chunks, so two headers.
	require.EqualValues(t, 17+2*headerSize+40000, w.Size())
	require.NoError(t, w.Close())
	require.Equal(t, 17+2*headerSize+40000, buf.Len())

	r := NewReader(buf)
	for i, want := range []int64{1, 2, 40000} {
		rr, err := r.Next()
		require.NoError(t, err)
		n, err := io.Copy(io.Discard, rr)
		require.NoError(t, err, "read #%d", i)
		require.Equal(t, want, n, "read #%d", i)
	}
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestNonExhaustiveRead(t *testing.T) {
	const n = 100
	buf := new(bytes.Buffer)
	p := make([]byte, 10)
	rnd := rand.New(rand.NewSource(1))

	w := NewWriter(buf)
	for i := 0; i < n; i++ {
		length := len(p) + rnd.Intn(3*blockSize)
		s := string(rune(uint8(i))) + "123456789abcdefgh"
		ww, _ := w.Next()
		_, _ = ww.Write([]byte(big(s, length)))
	}
	require.NoError(t, w.Close())

	r := NewReader(buf)
	for i := 0; i < n; i++ {
		rr, _ := r.Next()
		_, err := io.ReadFull(rr, p)
		require.NoError(t, err)
		want := string(rune(uint8(i))) + "123456789"
		require.Equal(t, want, string(p), "read #%d", i)
	}
}

func TestStaleReader(t *testing.T) {
	buf := new(bytes.Buffer)

	w := NewWriter(buf)
	w0, err := w.Next()
	require.NoError(t, err)
	_, _ = w0.Write([]byte("0"))
	w1, err := w.Next()
	require.NoError(t, err)
	_, _ = w1.Write([]byte("11"))
	require.NoError(t, w.Close())

	r := NewReader(buf)
	r0, err := r.Next()
	require.NoError(t, err)
	r1, err := r.Next()
	require.NoError(t, err)
	p := make([]byte, 1)
	_, err = r0.Read(p)
	require.ErrorContains(t, err, "stale")
	_, err = r1.Read(p)
	require.NoError(t, err)
	require.Equal(t, byte('1'), p[0])
}

func TestStaleWriter(t *testing.T) {
	buf := new(bytes.Buffer)

	w := NewWriter(buf)
	w0, err := w.Next()
	require.NoError(t, err)
	w1, err := w.Next()
	require.NoError(t, err)
	_, err = w0.Write([]byte("0"))
	require.ErrorContains(t, err, "stale")
	_, err = w1.Write([]byte("11"))
	require.NoError(t, err)
	_, err = w.WriteRecord([]byte("2"))
	require.NoError(t, err)
	_, err = w1.Write([]byte("0"))
	require.ErrorContains(t, err, "stale")
	require.NoError(t, w.Close())
	_, err = w.Next()
	require.ErrorContains(t, err, "closed")
}

func TestReaderOffset(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	end0, err := w.WriteRecord([]byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, headerSize+5, end0)
	end1, err := w.WriteRecord(bytes.Repeat([]byte("x"), blockSize))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.EqualValues(t, end1, buf.Len())

	r := NewReader(bytes.NewReader(buf.Bytes()))
	require.EqualValues(t, 0, r.Offset())
	_, err = r.Next()
	require.NoError(t, err)
	require.EqualValues(t, end0, r.Offset())
	rr, err := r.Next()
	require.NoError(t, err)
	data, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Len(t, data, blockSize)
	require.EqualValues(t, end1, r.Offset())
	_, err = r.Next()
	require.Equal(t, io.EOF, err)
}

func TestTruncatedRecord(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	_, err := w.WriteRecord([]byte("complete"))
	require.NoError(t, err)
	_, err = w.WriteRecord(bytes.Repeat([]byte("y"), 100))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Chop off the tail of the second record, as a crash mid-write would.
	data := buf.Bytes()[:buf.Len()-10]
	r := NewReader(bytes.NewReader(data))
	rr, err := r.Next()
	require.NoError(t, err)
	got, err := io.ReadAll(rr)
	require.NoError(t, err)
	require.Equal(t, "complete", string(got))
	_, err = r.Next()
	require.True(t, IsInvalidRecord(err), "%v", err)
}

type testRecords struct {
	records [][]byte // The raw value of each record.
	buf     []byte   // The serialized records form of all records.
}

// makeTestRecords generates test records of specified lengths.
// The first record will consist of repeating 0x00 bytes, the next record of
// 0x01 bytes, and so forth. The values will loop back to 0x00 after 0xff.
func makeTestRecords(recordLengths ...int) (*testRecords, error) {
	ret := &testRecords{}
	ret.records = make([][]byte, len(recordLengths))
	for i, n := range recordLengths {
		ret.records[i] = bytes.Repeat([]byte{byte(i)}, n)
	}

	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	for _, rec := range ret.records {
		wRec, err := w.Next()
		if err != nil {
			return nil, err
		}
		if _, err = wRec.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}

	ret.buf = buf.Bytes()
	return ret, nil
}

// corruptBlock corrupts the checksum of the record that starts at the
// specified block offset. The number of the block offset is 0 based.
func corruptBlock(buf []byte, blockNum int) {
	// Ensure we always permute at least 1 byte of the checksum.
	if buf[blockSize*blockNum] == 0x00 {
		buf[blockSize*blockNum] = 0xff
	} else {
		buf[blockSize*blockNum] = 0x00
	}

	buf[blockSize*blockNum+1] = 0x00
	buf[blockSize*blockNum+2] = 0x00
	buf[blockSize*blockNum+3] = 0x00
}

func TestRecoverNoOp(t *testing.T) {
	recs, err := makeTestRecords(
		blockSize-headerSize,
		blockSize-headerSize,
		blockSize-headerSize,
	)
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(recs.buf))
	_, err = r.Next()
	require.NoError(t, err)
	require.NoError(t, r.err)

	gen, start, end, n := r.gen, r.chunkStart, r.chunkEnd, r.blockLen

	// Should be a no-op since r.err == nil.
	r.Recover()

	// r.err was nil, nothing should have changed.
	require.Equal(t, gen, r.gen)
	require.Equal(t, start, r.chunkStart)
	require.Equal(t, end, r.chunkEnd)
	require.Equal(t, n, r.blockLen)
}

func TestBasicRecover(t *testing.T) {
	recs, err := makeTestRecords(
		blockSize-headerSize,
		blockSize-headerSize,
		blockSize-headerSize,
	)
	require.NoError(t, err)

	// Corrupt the checksum of the second record r1 in our file.
	corruptBlock(recs.buf, 1)

	underlyingReader := bytes.NewReader(recs.buf)
	r := NewReader(underlyingReader)

	// The first record r0 should be read just fine.
	r0, err := r.Next()
	require.NoError(t, err)
	r0Data, err := io.ReadAll(r0)
	require.NoError(t, err)
	require.Equal(t, recs.records[0], r0Data)

	// The next record should have a checksum mismatch.
	_, err = r.Next()
	require.True(t, errors.Is(err, ErrInvalidChunk), "%v", err)

	// Recover from that checksum mismatch.
	r.Recover()
	currentOffset, err := underlyingReader.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	require.EqualValues(t, blockSize*2, currentOffset)

	// The third record r2 should be read just fine.
	r2, err := r.Next()
	require.NoError(t, err)
	r2Data, err := io.ReadAll(r2)
	require.NoError(t, err)
	require.Equal(t, recs.records[2], r2Data)
}

func TestRecoverSingleBlock(t *testing.T) {
	// The first record will be blockSize * 3 bytes long. Since each block has
	// a 7 byte header, the first record will roll over into 4 blocks.
	recs, err := makeTestRecords(
		blockSize*3,
		blockSize-headerSize,
		blockSize/2,
	)
	require.NoError(t, err)

	// Corrupt the checksum for the portion of the first record that exists in
	// the 4th block.
	corruptBlock(recs.buf, 3)

	// The first record should fail, but only when we read deeper beyond the
	// first block.
	r := NewReader(bytes.NewReader(recs.buf))
	r0, err := r.Next()
	require.NoError(t, err)

	// Reading deeper should yield a checksum mismatch.
	_, err = io.ReadAll(r0)
	require.True(t, errors.Is(err, ErrInvalidChunk), "%v", err)

	// Recover from that checksum mismatch.
	r.Recover()

	// All of the data in the second record r1 is lost because the first record
	// r0 shared a partial block with it. The second record also overlapped
	// into the block with the third record r2. Recovery should jump to that
	// block, skipping over the end of the second record and start parsing the
	// third record.
	r2, err := r.Next()
	require.NoError(t, err)
	r2Data, _ := io.ReadAll(r2)
	require.Equal(t, recs.records[2], r2Data)
}

func TestRecoverMultipleBlocks(t *testing.T) {
	recs, err := makeTestRecords(
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume the entirety of the 5th block.
		blockSize-headerSize,
		// Consume the entirety of the 6th block.
		blockSize-headerSize,
		// Consume roughly half of the 7th block.
		blockSize/2,
	)
	require.NoError(t, err)

	// Corrupt the checksum for the portion of the first record that exists in the 4th block.
	corruptBlock(recs.buf, 3)

	// Now corrupt the two blocks in a row that correspond to recs.records[2:4].
	corruptBlock(recs.buf, 4)
	corruptBlock(recs.buf, 5)

	// The first record should fail, but only when we read deeper beyond the first block.
	r := NewReader(bytes.NewReader(recs.buf))
	r0, err := r.Next()
	require.NoError(t, err)

	// Reading deeper should yield a checksum mismatch.
	_, err = io.ReadAll(r0)
	require.True(t, errors.Is(err, ErrInvalidChunk), "%v", err)

	// Recover from that checksum mismatch.
	r.Recover()

	// All of the data in the second record is lost because the first
	// record shared a partial block with it. The following two records
	// have corrupted checksums as well, so the call above to r.Recover
	// should result in r.Next() being a reader to the 5th record.
	r4, err := r.Next()
	require.NoError(t, err)
	r4Data, _ := io.ReadAll(r4)
	require.Equal(t, recs.records[4], r4Data)
}

// verifyLastBlockRecover reads each record from recs expecting that the
// last record will be corrupted. It will then try Recover and verify that EOF
// is returned.
func verifyLastBlockRecover(recs *testRecords) error {
	r := NewReader(bytes.NewReader(recs.buf))
	// Loop to one element larger than the number of records to verify EOF.
	for i := 0; i < len(recs.records)+1; i++ {
		_, err := r.Next()
		switch i {
		case len(recs.records) - 1:
			if err == nil {
				return errors.New("Expected a checksum mismatch error, got nil")
			}
			r.Recover()
		case len(recs.records):
			if err != io.EOF {
				return errors.Newf("Expected io.EOF, got %v", err)
			}
		default:
			if err != nil {
				return errors.Wrap(err, "Next")
			}
		}
	}
	return nil
}

func TestRecoverLastPartialBlock(t *testing.T) {
	recs, err := makeTestRecords(
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume roughly half of the 5th block.
		blockSize/2,
	)
	require.NoError(t, err)

	// Corrupt the 5th block.
	corruptBlock(recs.buf, 4)

	// Verify Recover works when the last block is corrupted.
	require.NoError(t, verifyLastBlockRecover(recs))
}

func TestRecoverLastCompleteBlock(t *testing.T) {
	recs, err := makeTestRecords(
		// The first record will consume 3 entire blocks but a fraction of the 4th.
		blockSize*3,
		// The second record will completely fill the remainder of the 4th block.
		3*(blockSize-headerSize)-2*blockSize-2*headerSize,
		// Consume the entire 5th block.
		blockSize-headerSize,
	)
	require.NoError(t, err)

	// Corrupt the 5th block.
	corruptBlock(recs.buf, 4)

	// Verify Recover works when the last block is corrupted.
	require.NoError(t, verifyLastBlockRecover(recs))
}
