// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base // import "github.com/tidedb/tide/internal/base"

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/redact"
)

// SeqNum orders writes to the same user key: the entry with the higher
// sequence number wins. Sequence numbers are 56 bits wide and no two entries
// for one user key share one. A reader at snapshot s sees only entries with
// sequence numbers <= s.
type SeqNum uint64

// SeqNumMax is the largest valid sequence number.
const SeqNumMax SeqNum = 1<<56 - 1

func (s SeqNum) String() string {
	if s == SeqNumMax {
		return "inf"
	}
	return strconv.FormatUint(uint64(s), 10)
}

// SafeValue implements redact.SafeValue.
func (SeqNum) SafeValue() {}

// ParseSeqNum is the inverse of SeqNum.String. It panics on bad input.
func ParseSeqNum(s string) SeqNum {
	if s == "inf" {
		return SeqNumMax
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("tide: bad sequence number %q: %s", s, err))
	}
	return SeqNum(n)
}

// AtomicSeqNum is a SeqNum that can be read and advanced concurrently.
type AtomicSeqNum struct {
	v atomic.Uint64
}

func (a *AtomicSeqNum) Load() SeqNum        { return SeqNum(a.v.Load()) }
func (a *AtomicSeqNum) Store(s SeqNum)      { a.v.Store(uint64(s)) }
func (a *AtomicSeqNum) Add(d SeqNum) SeqNum { return SeqNum(a.v.Add(uint64(d))) }

// InternalKeyKind says whether an entry sets or deletes its user key.
type InternalKeyKind uint8

// The kind values are stored in tables and logs.
const (
	InternalKeyKindDelete InternalKeyKind = 0
	InternalKeyKindSet    InternalKeyKind = 1

	// InternalKeyKindMax is the largest kind in use. Seek keys carry it so
	// that they sort first among entries with equal user key and sequence
	// number.
	InternalKeyKindMax InternalKeyKind = InternalKeyKindSet

	// InternalKeyKindInvalid marks a key that failed to decode.
	InternalKeyKindInvalid InternalKeyKind = 255
)

var kindNames = [...]string{
	InternalKeyKindDelete: "DEL",
	InternalKeyKindSet:    "SET",
}

func (k InternalKeyKind) String() string {
	switch {
	case k == InternalKeyKindInvalid:
		return "INVALID"
	case int(k) < len(kindNames):
		return kindNames[k]
	}
	return fmt.Sprintf("UNKNOWN:%d", k)
}

// SafeValue implements redact.SafeValue.
func (InternalKeyKind) SafeValue() {}

// ParseKind is the inverse of InternalKeyKind.String. It panics on bad input.
func ParseKind(s string) InternalKeyKind {
	if s == "INVALID" {
		return InternalKeyKindInvalid
	}
	for k, name := range kindNames {
		if name == s {
			return InternalKeyKind(k)
		}
	}
	panic(fmt.Sprintf("tide: bad key kind %q", s))
}

// InternalKeyTrailer packs a sequence number and a kind as (seq << 8) | kind.
// Stored little-endian after the user key, it makes up the last 8 bytes of an
// encoded internal key.
type InternalKeyTrailer uint64

const trailerLen = 8

// MakeTrailer packs seqNum and kind.
func MakeTrailer(seqNum SeqNum, kind InternalKeyKind) InternalKeyTrailer {
	return InternalKeyTrailer(seqNum)<<8 | InternalKeyTrailer(kind)
}

func (t InternalKeyTrailer) SeqNum() SeqNum        { return SeqNum(t >> 8) }
func (t InternalKeyTrailer) Kind() InternalKeyKind { return InternalKeyKind(t) }

func (t InternalKeyTrailer) String() string {
	return t.SeqNum().String() + "," + t.Kind().String()
}

// InternalKey is a user key tagged with the trailer of the write that
// produced it. Memtables, tables and the merging iterators all order entries
// by InternalCompare.
type InternalKey struct {
	UserKey []byte
	Trailer InternalKeyTrailer
}

// InvalidInternalKey is returned by iterators that have no current entry.
var InvalidInternalKey = InternalKey{Trailer: InternalKeyTrailer(InternalKeyKindInvalid)}

// MakeInternalKey returns the internal key for userKey written at seqNum.
func MakeInternalKey(userKey []byte, seqNum SeqNum, kind InternalKeyKind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seqNum, kind)}
}

// InternalCompare orders by user key, then by descending trailer, so the
// newest entry for a user key comes first.
func InternalCompare(userCmp Compare, a, b InternalKey) int {
	if c := userCmp(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	return cmp.Compare(b.Trailer, a.Trailer)
}

// DecodeInternalKey splits an encoded key. The returned UserKey aliases
// encoded. An input shorter than a trailer decodes to an invalid key.
func DecodeInternalKey(encoded []byte) InternalKey {
	n := len(encoded) - trailerLen
	if n < 0 {
		return InvalidInternalKey
	}
	return InternalKey{
		UserKey: encoded[:n:n],
		Trailer: InternalKeyTrailer(binary.LittleEndian.Uint64(encoded[n:])),
	}
}

// Size returns the length of the encoded key.
func (k InternalKey) Size() int {
	return len(k.UserKey) + trailerLen
}

// Encode writes the key to buf, which must hold at least k.Size() bytes.
func (k InternalKey) Encode(buf []byte) {
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], uint64(k.Trailer))
}

// AppendEncoded appends the encoded key to dst.
func (k InternalKey) AppendEncoded(dst []byte) []byte {
	return binary.LittleEndian.AppendUint64(append(dst, k.UserKey...), uint64(k.Trailer))
}

// EncodeTrailer returns the encoded trailer alone.
func (k InternalKey) EncodeTrailer() (buf [trailerLen]byte) {
	binary.LittleEndian.PutUint64(buf[:], uint64(k.Trailer))
	return buf
}

func (k InternalKey) SeqNum() SeqNum        { return k.Trailer.SeqNum() }
func (k InternalKey) Kind() InternalKeyKind { return k.Trailer.Kind() }

// Valid reports whether the key has a known kind.
func (k InternalKey) Valid() bool {
	return k.Kind() <= InternalKeyKindMax
}

// Visible reports whether a reader at snapshot sees the key.
func (k InternalKey) Visible(snapshot SeqNum) bool {
	return k.SeqNum() <= snapshot
}

// SetSeqNum replaces the sequence number, keeping the kind.
func (k *InternalKey) SetSeqNum(seqNum SeqNum) {
	k.Trailer = MakeTrailer(seqNum, k.Kind())
}

// Separator returns a key x with k <= x < other, for use in index blocks.
// buf may be nil.
func (k InternalKey) Separator(
	cmp Compare, sep Separator, buf []byte, other InternalKey,
) InternalKey {
	return k.shortened(cmp, sep(buf, k.UserKey, other.UserKey))
}

// Successor returns a key x with k <= x, for the last index entry of a
// table. buf may be nil.
func (k InternalKey) Successor(cmp Compare, succ Successor, buf []byte) InternalKey {
	return k.shortened(cmp, succ(buf, k.UserKey))
}

// shortened returns userKey as a seek key if it is no longer than k's user
// key yet sorts after it. Otherwise k itself is the better bound.
func (k InternalKey) shortened(cmp Compare, userKey []byte) InternalKey {
	if len(userKey) <= len(k.UserKey) && cmp(k.UserKey, userKey) < 0 {
		return MakeInternalKey(userKey, SeqNumMax, InternalKeyKindMax)
	}
	return k
}

// Clone returns a copy of k that owns its user key.
func (k InternalKey) Clone() InternalKey {
	if len(k.UserKey) > 0 {
		k.UserKey = append([]byte(nil), k.UserKey...)
	}
	return k
}

// CopyFrom makes k a copy of other, reusing k's user key buffer.
func (k *InternalKey) CopyFrom(other InternalKey) {
	k.UserKey = append(k.UserKey[:0], other.UserKey...)
	k.Trailer = other.Trailer
}

// String formats the key as "<user key>#<seq>,<kind>".
func (k InternalKey) String() string {
	return fmt.Sprint(k.Pretty(DefaultFormatter))
}

// SafeFormat implements redact.SafeFormatter. Only the user key is redacted.
func (k InternalKey) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s#%s,%s", k.UserKey, k.SeqNum(), k.Kind())
}

// Pretty returns a formatter that renders the user key with f.
func (k InternalKey) Pretty(f FormatKey) fmt.Formatter {
	return formatterFunc(func(s fmt.State, _ rune) {
		fmt.Fprintf(s, "%s#%s", f(k.UserKey), k.Trailer)
	})
}

type formatterFunc func(s fmt.State, verb rune)

func (f formatterFunc) Format(s fmt.State, verb rune) { f(s, verb) }

// ParseInternalKey is the inverse of InternalKey.String for printable user
// keys. It panics on bad input.
func ParseInternalKey(s string) InternalKey {
	i := strings.LastIndexByte(s, '#')
	if i < 0 {
		panic(fmt.Sprintf("tide: bad internal key %q", s))
	}
	seq, kind, ok := strings.Cut(s[i+1:], ",")
	if !ok {
		panic(fmt.Sprintf("tide: bad internal key %q", s))
	}
	return MakeInternalKey([]byte(s[:i]), ParseSeqNum(seq), ParseKind(kind))
}
