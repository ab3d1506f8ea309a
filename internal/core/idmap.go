package core

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"certchain/pkg/domain"
)

// IdentifierMapper converts between store identifiers and ledger identifiers.
// Both directions are pure functions of their input.
type IdentifierMapper interface {
	// Allocate draws a fresh identifier pair for a new request.
	Allocate() (storeID string, ledgerID domain.LedgerID, err error)
	ToLedgerID(storeID string) (domain.LedgerID, error)
	ToStoreID(ledgerID domain.LedgerID) (string, error)
}

// MaxLedgerID is the largest ledger identifier that fits the embedding.
const MaxLedgerID domain.LedgerID = 1<<60 - 1

// namespaceTag fills the 62 free bits after the variant. Only UUIDs carrying
// it are treated as mappable.
var namespaceTag = [8]byte{0x80 | 0x1c, 0xe7, 0x7c, 0x4a, 0x1b, 0x0d, 0x5e, 0xa9}

// EmbeddedIDMapper stores a 60-bit ledger identifier inside an RFC 9562
// version 8 UUID:
//
//	bytes 0-5   ledger id bits 59..12
//	byte  6     version (8) | ledger id bits 11..8
//	byte  7     ledger id bits 7..0
//	bytes 8-15  variant + namespace tag
type EmbeddedIDMapper struct {
	rand io.Reader
}

// NewEmbeddedIDMapper returns a mapper drawing ledger identifiers from r, or
// from crypto/rand when r is nil.
func NewEmbeddedIDMapper(r io.Reader) *EmbeddedIDMapper {
	if r == nil {
		r = rand.Reader
	}
	return &EmbeddedIDMapper{rand: r}
}

// Allocate draws a random non-zero ledger identifier and derives its store id.
func (m *EmbeddedIDMapper) Allocate() (string, domain.LedgerID, error) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		if _, err := io.ReadFull(m.rand, buf[:]); err != nil {
			return "", 0, fmt.Errorf("read random ledger id: %w", err)
		}
		id := domain.LedgerID(binary.BigEndian.Uint64(buf[:])) & MaxLedgerID
		if id == 0 {
			continue
		}
		storeID, err := m.ToStoreID(id)
		if err != nil {
			return "", 0, err
		}
		return storeID, id, nil
	}
	return "", 0, fmt.Errorf("random source produced only zero ledger ids")
}

// ToStoreID embeds id into a version 8 UUID.
func (m *EmbeddedIDMapper) ToStoreID(id domain.LedgerID) (string, error) {
	if id == 0 || id > MaxLedgerID {
		return "", fmt.Errorf("%w: ledger id %d out of range", domain.ErrUnmappableID, id)
	}
	var u uuid.UUID
	v := uint64(id)
	u[0] = byte(v >> 52)
	u[1] = byte(v >> 44)
	u[2] = byte(v >> 36)
	u[3] = byte(v >> 28)
	u[4] = byte(v >> 20)
	u[5] = byte(v >> 12)
	u[6] = 0x80 | byte((v>>8)&0x0f)
	u[7] = byte(v)
	copy(u[8:], namespaceTag[:])
	return u.String(), nil
}

// ToLedgerID extracts the embedded ledger identifier. Store identifiers that
// were not produced by this mapper fail with domain.ErrUnmappableID.
func (m *EmbeddedIDMapper) ToLedgerID(storeID string) (domain.LedgerID, error) {
	u, err := uuid.Parse(storeID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrUnmappableID, err)
	}
	if u.Version() != 8 || u.Variant() != uuid.RFC4122 || !bytes.Equal(u[8:], namespaceTag[:]) {
		return 0, fmt.Errorf("%w: %s is not a certchain identifier", domain.ErrUnmappableID, storeID)
	}
	var v uint64
	for _, b := range u[0:6] {
		v = v<<8 | uint64(b)
	}
	v = v<<4 | uint64(u[6]&0x0f)
	v = v<<8 | uint64(u[7])
	if v == 0 {
		return 0, fmt.Errorf("%w: zero ledger id", domain.ErrUnmappableID)
	}
	return domain.LedgerID(v), nil
}
