// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package oatfile // import "github.com/dexvm/dexrt/oatfile"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"

	"github.com/dexvm/dexrt/dex"
)

// Container layout: magic and version, the header key-value store, then
// one record per dex file holding its checksum, the sha256 digest of the
// uncompressed payload and the zstd-compressed payload itself. The dex
// payload is this package's own serialization of the decoded tables; the
// container does not carry raw dex bytes.
var oatMagic = [8]byte{'d', 'e', 'x', 'r', 't', 'o', 'a', 't'}

const oatVersion = uint16(1)

// ErrBadContainer is returned for truncated or mismatched container
// bytes.
var ErrBadContainer = errors.New("malformed oat container")

// FallbackProvider re-extracts a dex file whose embedded payload failed
// its digest check, typically from the original app archive.
type FallbackProvider func(location string, checksum uint32) (*dex.File, error)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		log.Fatalf("zstd encoder: %v", err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		log.Fatalf("zstd decoder: %v", err)
	}
}

// Marshal serializes the container.
func (f *OatFile) Marshal() ([]byte, error) {
	var e encoder
	e.buf.Write(oatMagic[:])
	e.u16(oatVersion)

	keys := make([]string, 0, len(f.header))
	for k := range f.header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(f.header[k])
	}

	e.u32(uint32(len(f.dexFiles)))
	for _, df := range f.dexFiles {
		payload := encodeDexFile(df)
		digest := sha256.Sum256(payload)
		e.str(df.Location)
		e.u32(df.Checksum)
		e.buf.Write(digest[:])
		compressed := zstdEncoder.EncodeAll(payload, nil)
		e.u32(uint32(len(compressed)))
		e.buf.Write(compressed)
	}
	return e.buf.Bytes(), nil
}

// Unmarshal decodes a container. Payloads whose digest does not match
// are re-extracted through the fallback provider; without one the
// corruption is an error.
func Unmarshal(data []byte, fallback FallbackProvider) (*OatFile, error) {
	d := decoder{data: data}
	var magic [8]byte
	d.bytes(magic[:])
	if d.err == nil && magic != oatMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadContainer, magic[:])
	}
	if v := d.u16(); d.err == nil && v != oatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadContainer, v)
	}

	header := make(map[string]string)
	for i, n := 0, d.count(8); i < n; i++ { // two length-prefixed strings per pair
		k := d.str()
		header[k] = d.str()
	}

	var dexFiles []*dex.File
	nDex := d.count(8 + sha256.Size + 4) // location, checksum, digest, payload
	for i := 0; i < nDex; i++ {
		location := d.str()
		checksum := d.u32()
		var digest [sha256.Size]byte
		d.bytes(digest[:])
		compressed := d.take(int(d.u32()))
		if d.err != nil {
			break
		}

		df, err := decodePayload(location, checksum, digest, compressed)
		if err != nil {
			if fallback == nil {
				return nil, err
			}
			log.Warnf("Re-extracting %s: %v", location, err)
			df, err = fallback(location, checksum)
			if err != nil {
				return nil, fmt.Errorf("fallback for %s: %w", location, err)
			}
		}
		dexFiles = append(dexFiles, df)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadContainer, d.err)
	}

	f := New("", dexFiles, header)
	return f, nil
}

// Open reads and decodes a container from disk.
func Open(path string, fallback FallbackProvider) (*OatFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Unmarshal(data, fallback)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	f.Location = path
	return f, nil
}

func decodePayload(location string, checksum uint32, digest [sha256.Size]byte,
	compressed []byte) (*dex.File, error) {
	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", location, err)
	}
	if sha256.Sum256(payload) != digest {
		return nil, fmt.Errorf("digest mismatch for %s", location)
	}
	df, err := decodeDexFile(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", location, err)
	}
	if df.Location != location || df.Checksum != checksum {
		return nil, fmt.Errorf("payload identity mismatch for %s", location)
	}
	return df, nil
}

// encodeDexFile serializes the decoded tables of one dex file.
func encodeDexFile(df *dex.File) []byte {
	var e encoder
	e.str(df.Location)
	e.u32(df.Checksum)

	e.strs(df.Strings)
	e.strs(df.TypeDescs)

	e.u32(uint32(len(df.Methods)))
	for i := range df.Methods {
		m := &df.Methods[i]
		e.u16(uint16(m.ClassIdx))
		e.str(m.Name)
		e.str(m.Shorty)
		e.str(m.Signature)
	}

	e.u32(uint32(len(df.Fields)))
	for i := range df.Fields {
		fl := &df.Fields[i]
		e.u16(uint16(fl.ClassIdx))
		e.str(fl.Name)
		e.str(fl.TypeDesc)
	}

	e.u32(uint32(len(df.ClassDefs)))
	for i := range df.ClassDefs {
		cd := &df.ClassDefs[i]
		e.u16(uint16(cd.ClassIdx))
		e.str(cd.Descriptor)
		e.u16(uint16(cd.SuperIdx))
		e.u32(cd.AccessFlags)
	}

	// Code items in deterministic method-index order.
	idxs := make([]dex.MethodIndex, 0, len(df.Code))
	for idx := range df.Code {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	e.u32(uint32(len(idxs)))
	for _, idx := range idxs {
		ci := df.Code[idx]
		e.u32(uint32(idx))
		e.u16(ci.RegistersSize)
		e.u16(ci.InsSize)
		e.u16(ci.OutsSize)
		e.u32(uint32(len(ci.Insns)))
		for _, unit := range ci.Insns {
			e.u16(unit)
		}
		e.u32(uint32(len(ci.Tries)))
		for i := range ci.Tries {
			try := &ci.Tries[i]
			e.u32(uint32(try.StartPC))
			e.u16(try.InsnCount)
			e.u32(uint32(try.CatchAll))
			e.u16(uint16(len(try.Handlers)))
			for _, h := range try.Handlers {
				e.u16(uint16(h.TypeIdx))
				e.u32(uint32(h.HandlerPC))
			}
		}
	}
	return e.buf.Bytes()
}

func decodeDexFile(payload []byte) (*dex.File, error) {
	d := decoder{data: payload}
	df := &dex.File{Code: make(map[dex.MethodIndex]*dex.CodeItem)}
	df.Location = d.str()
	df.Checksum = d.u32()

	df.Strings = d.strs()
	df.TypeDescs = d.strs()

	df.Methods = make([]dex.MethodID, d.count(14))
	for i := range df.Methods {
		df.Methods[i] = dex.MethodID{
			ClassIdx:  dex.TypeIndex(d.u16()),
			Name:      d.str(),
			Shorty:    d.str(),
			Signature: d.str(),
		}
	}

	df.Fields = make([]dex.FieldID, d.count(10))
	for i := range df.Fields {
		df.Fields[i] = dex.FieldID{
			ClassIdx: dex.TypeIndex(d.u16()),
			Name:     d.str(),
			TypeDesc: d.str(),
		}
	}

	df.ClassDefs = make([]dex.ClassDef, d.count(12))
	for i := range df.ClassDefs {
		df.ClassDefs[i] = dex.ClassDef{
			ClassIdx:    dex.TypeIndex(d.u16()),
			Descriptor:  d.str(),
			SuperIdx:    dex.TypeIndex(d.u16()),
			AccessFlags: d.u32(),
		}
	}

	for i, n := 0, d.count(18); i < n; i++ { // idx, three sizes, two counts per code item
		idx := dex.MethodIndex(d.u32())
		ci := &dex.CodeItem{
			RegistersSize: d.u16(),
			InsSize:       d.u16(),
			OutsSize:      d.u16(),
		}
		ci.Insns = make([]uint16, d.count(2))
		for i := range ci.Insns {
			ci.Insns[i] = d.u16()
		}
		ci.Tries = make([]dex.TryItem, d.count(12))
		for i := range ci.Tries {
			try := &ci.Tries[i]
			try.StartPC = dex.PC(d.u32())
			try.InsnCount = d.u16()
			try.CatchAll = dex.PC(d.u32())
			try.Handlers = make([]dex.CatchHandler, d.checkCount(int(d.u16()), 6))
			for j := range try.Handlers {
				try.Handlers[j] = dex.CatchHandler{
					TypeIdx:   dex.TypeIndex(d.u16()),
					HandlerPC: dex.PC(d.u32()),
				}
			}
		}
		if d.err == nil {
			df.Code[idx] = ci
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return df, nil
}

// encoder appends little-endian fields to a buffer.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

// decoder reads little-endian fields with a sticky error: after the
// first short read every accessor returns zero values.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.data) {
		d.err = fmt.Errorf("short read: want %d bytes, have %d", n, len(d.data))
		return nil
	}
	out := d.data[:n]
	d.data = d.data[n:]
	return out
}

func (d *decoder) bytes(dst []byte) {
	copy(dst, d.take(len(dst)))
}

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) str() string {
	return string(d.take(int(d.u32())))
}

// checkCount rejects element counts no remaining input could satisfy,
// so a corrupt count cannot demand an absurd allocation.
func (d *decoder) checkCount(n, minElemSize int) int {
	if d.err != nil {
		return 0
	}
	if n*minElemSize > len(d.data) {
		d.err = fmt.Errorf("count %d exceeds %d remaining bytes", n, len(d.data))
		return 0
	}
	return n
}

// count reads a u32 element count and bounds it against the remaining
// input, assuming elements of at least minElemSize bytes.
func (d *decoder) count(minElemSize int) int {
	return d.checkCount(int(d.u32()), minElemSize)
}

func (d *decoder) strs() []string {
	out := make([]string, d.count(4))
	for i := range out {
		out[i] = d.str()
	}
	return out
}
