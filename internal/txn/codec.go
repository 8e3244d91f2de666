// Package txn builds and parses the ledger transactions the access
// control flow depends on: the unsigned, simulation-only approval
// transaction each key server evaluates, and the signed grant/revoke
// transactions the permission registry submits.
//
// The encoding is deliberately rigid: fixed-width address fields and
// explicit type tags on every argument. A decoder that could confuse
// an address for a byte vector would be a security bug, not a
// cosmetic one, so every read checks the tag before the payload.
package txn

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrMalformedTx  = errors.New("txn: malformed transaction")
	ErrBadSignature = errors.New("txn: bad signature")
)

const (
	txMagic   = "MVTX"
	txVersion = byte(1)

	kindApproval = byte(0x01)
	kindGrant    = byte(0x02)
	kindRevoke   = byte(0x03)

	tagBytes   = byte(0x01)
	tagAddress = byte(0x02)
	tagU64     = byte(0x03)

	addressSize = 32
)

type writer struct {
	buf bytes.Buffer
}

func newWriter(kind byte) *writer {
	w := &writer{}
	w.buf.WriteString(txMagic)
	w.buf.WriteByte(txVersion)
	w.buf.WriteByte(kind)
	return w
}

func (w *writer) address(addr string) error {
	raw, err := hex.DecodeString(addr)
	if err != nil || len(raw) != addressSize {
		return fmt.Errorf("%w: address %q", ErrMalformedTx, addr)
	}
	w.buf.Write(raw)
	return nil
}

func (w *writer) taggedAddress(addr string) error {
	w.buf.WriteByte(tagAddress)
	return w.address(addr)
}

func (w *writer) taggedBytes(b []byte) {
	w.buf.WriteByte(tagBytes)
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(b)))
	w.buf.Write(l[:])
	w.buf.Write(b)
}

func (w *writer) taggedU64(v uint64) {
	w.buf.WriteByte(tagU64)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	w.buf.Write(l[:])
	w.buf.WriteString(s)
}

func (w *writer) byteN(b byte) { w.buf.WriteByte(b) }

func (w *writer) bytes() []byte { return w.buf.Bytes() }

type reader struct {
	data []byte
	off  int
}

func newReader(data []byte, wantKind byte) (*reader, error) {
	r := &reader{data: data}
	head, err := r.take(len(txMagic) + 2)
	if err != nil {
		return nil, err
	}
	if string(head[:len(txMagic)]) != txMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedTx)
	}
	if head[len(txMagic)] != txVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedTx, head[len(txMagic)])
	}
	if head[len(txMagic)+1] != wantKind {
		return nil, fmt.Errorf("%w: unexpected kind %d", ErrMalformedTx, head[len(txMagic)+1])
	}
	return r, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.data) {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedTx)
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) byteN() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) address() (string, error) {
	raw, err := r.take(addressSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func (r *reader) taggedAddress() (string, error) {
	if err := r.expectTag(tagAddress); err != nil {
		return "", err
	}
	return r.address()
}

func (r *reader) taggedBytes() ([]byte, error) {
	if err := r.expectTag(tagBytes); err != nil {
		return nil, err
	}
	l, err := r.take(4)
	if err != nil {
		return nil, err
	}
	return r.take(int(binary.BigEndian.Uint32(l)))
}

func (r *reader) taggedU64() (uint64, error) {
	if err := r.expectTag(tagU64); err != nil {
		return 0, err
	}
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) str() (string, error) {
	l, err := r.take(2)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(binary.BigEndian.Uint16(l)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) expectTag(want byte) error {
	got, err := r.byteN()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected tag %#x, got %#x", ErrMalformedTx, want, got)
	}
	return nil
}

func (r *reader) done() error {
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedTx, len(r.data)-r.off)
	}
	return nil
}
