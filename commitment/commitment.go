// Package commitment implements the pure hashing and commitment primitives
// behind selective disclosure: identity-code derivation, trust tokens,
// nonce-bound claim commitments and Merkle claim trees.
//
// Everything in this package is deterministic and side-effect free except
// where fresh entropy is explicitly generated, and is safe for concurrent
// use without synchronization.
package commitment

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/portid/credential-issuance-backend/interfaces"
)

// ShortDigestSize is the truncated digest length used for display codes.
const ShortDigestSize = 20

// nonceSize is the entropy length for generated claim nonces.
const nonceSize = 32

// trustTokenEntropySize is the entropy length for generated trust tokens.
const trustTokenEntropySize = 16

// Domain-separation prefixes. Changing any of these, the attribute field
// order, or the delimiter is a breaking change and requires a new version
// string.
const (
	identityCodeVersion = "idc1"
	merkleLeafPrefix    = "mleaf1"
	merkleNodePrefix    = "mnode1"
	attributeDelimiter  = "|"
)

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) interfaces.Digest {
	return sha256.Sum256(data)
}

// HashN returns the first n bytes of the SHA-256 digest of data.
// n must be between 1 and the full digest size; a 20-byte short form is the
// conventional display variant (see ShortHash).
func HashN(data []byte, n int) ([]byte, error) {
	if n < 1 || n > interfaces.DigestSize {
		return nil, interfaces.NewInputError("length", fmt.Sprintf("must be between 1 and %d", interfaces.DigestSize))
	}
	full := sha256.Sum256(data)
	out := make([]byte, n)
	copy(out, full[:n])
	return out, nil
}

// ShortHash returns the 160-bit truncated digest used for display.
func ShortHash(data []byte) []byte {
	out, _ := HashN(data, ShortDigestSize)
	return out
}

// KeyedHash derives a domain-separated digest of data under key using
// HKDF-SHA256. Distinct keys yield independent hash families, which is what
// claim-scoped value derivation relies on.
func KeyedHash(data, key []byte) (interfaces.Digest, error) {
	if len(key) == 0 {
		return interfaces.Digest{}, interfaces.NewInputError("key", "must not be empty")
	}

	reader := hkdf.New(sha256.New, key, nil, data)
	var d interfaces.Digest
	if _, err := io.ReadFull(reader, d[:]); err != nil {
		return interfaces.Digest{}, fmt.Errorf("hkdf expand failed: %w", err)
	}
	return d, nil
}

// IdentityAttributes are the personal attributes an identity code is derived
// from. GivenName, FamilyName, BirthDate and NationalID are required.
type IdentityAttributes struct {
	GivenName  string
	MiddleName string
	FamilyName string

	// BirthDate is kept verbatim (no case folding); use a single canonical
	// date format such as 1990-04-01 at the call site.
	BirthDate string

	// NationalID is upper-cased during normalization.
	NationalID string

	Gender  string
	Country string
}

// normalizeName trims, collapses inner whitespace and case-folds a name-like
// attribute so that differently typed but equal inputs derive the same code.
func normalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// DeriveIdentityCode derives the deterministic identity code from normalized
// personal attributes. The normalization rules, field order and delimiter
// are part of the contract: name-like fields are trimmed and case-folded,
// the birth date is kept verbatim, and the national identifier is
// upper-cased. Identical normalized input always yields an identical code.
func DeriveIdentityCode(attrs IdentityAttributes) (interfaces.IdentityCode, error) {
	given := normalizeName(attrs.GivenName)
	family := normalizeName(attrs.FamilyName)
	birthDate := strings.TrimSpace(attrs.BirthDate)
	nationalID := strings.ToUpper(strings.TrimSpace(attrs.NationalID))

	switch {
	case given == "":
		return interfaces.IdentityCode{}, interfaces.NewInputError("given_name", "must not be empty")
	case family == "":
		return interfaces.IdentityCode{}, interfaces.NewInputError("family_name", "must not be empty")
	case birthDate == "":
		return interfaces.IdentityCode{}, interfaces.NewInputError("birth_date", "must not be empty")
	case nationalID == "":
		return interfaces.IdentityCode{}, interfaces.NewInputError("national_id", "must not be empty")
	}

	// Fixed field order. Optional fields participate even when empty so the
	// concatenation stays unambiguous.
	fields := []string{
		identityCodeVersion,
		given,
		normalizeName(attrs.MiddleName),
		family,
		birthDate,
		nationalID,
		normalizeName(attrs.Gender),
		normalizeName(attrs.Country),
	}

	digest := Hash([]byte(strings.Join(fields, attributeDelimiter)))
	return interfaces.IdentityCode(digest), nil
}

// DeriveTrustToken derives a shareable trust token from an identity code.
// When entropy is nil, fresh random entropy is generated; supplying entropy
// makes derivation deterministic for re-verification.
func DeriveTrustToken(code interfaces.IdentityCode, entropy []byte) (interfaces.DerivedTrustToken, error) {
	if entropy == nil {
		entropy = make([]byte, trustTokenEntropySize)
		if _, err := rand.Read(entropy); err != nil {
			return interfaces.DerivedTrustToken{}, fmt.Errorf("failed to generate entropy: %w", err)
		}
	}
	if len(entropy) == 0 {
		return interfaces.DerivedTrustToken{}, interfaces.NewInputError("entropy", "must not be empty")
	}

	return interfaces.DerivedTrustToken{
		Token:   tokenDigest(code, entropy),
		Entropy: entropy,
	}, nil
}

// VerifyTrustToken recomputes the token from the identity code and entropy
// and compares in constant time. Any recomputation mismatch means the token
// is invalid.
func VerifyTrustToken(token interfaces.Digest, code interfaces.IdentityCode, entropy []byte) bool {
	if len(entropy) == 0 {
		return false
	}
	expected := tokenDigest(code, entropy)
	return subtle.ConstantTimeCompare(expected[:], token[:]) == 1
}

func tokenDigest(code interfaces.IdentityCode, entropy []byte) interfaces.Digest {
	buf := make([]byte, 0, len(code)+1+len(entropy))
	buf = append(buf, code[:]...)
	buf = append(buf, ':')
	buf = append(buf, entropy...)
	return Hash(buf)
}

// CommitClaim commits to a claim value under a nonce. When nonce is nil a
// fresh random nonce is generated. The commitment is Hash(value || nonce)
// and reveals nothing about the value without the nonce.
func CommitClaim(value, nonce []byte) (interfaces.ClaimCommitment, error) {
	if len(value) == 0 {
		return interfaces.ClaimCommitment{}, interfaces.NewInputError("value", "must not be empty")
	}
	if nonce == nil {
		nonce = make([]byte, nonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return interfaces.ClaimCommitment{}, fmt.Errorf("failed to generate nonce: %w", err)
		}
	}
	if len(nonce) == 0 {
		return interfaces.ClaimCommitment{}, interfaces.NewInputError("nonce", "must not be empty")
	}

	return interfaces.ClaimCommitment{
		Commitment: commitDigest(value, nonce),
		Nonce:      nonce,
	}, nil
}

// VerifyClaimCommitment recomputes the commitment for (value, nonce) and
// compares in constant time.
func VerifyClaimCommitment(value, nonce []byte, commitment interfaces.Digest) bool {
	if len(value) == 0 || len(nonce) == 0 {
		return false
	}
	expected := commitDigest(value, nonce)
	return subtle.ConstantTimeCompare(expected[:], commitment[:]) == 1
}

func commitDigest(value, nonce []byte) interfaces.Digest {
	buf := make([]byte, 0, len(value)+len(nonce))
	buf = append(buf, value...)
	buf = append(buf, nonce...)
	return Hash(buf)
}

// MerkleLeaf hashes a (claimType, claimValue, nonce) triple into a tree
// leaf. Fields are length-prefixed so no two distinct triples can collide
// by concatenation.
func MerkleLeaf(claimType string, claimValue, nonce []byte) interfaces.Digest {
	h := sha256.New()
	h.Write([]byte(merkleLeafPrefix))
	writeLengthPrefixed(h, []byte(claimType))
	writeLengthPrefixed(h, claimValue)
	writeLengthPrefixed(h, nonce)

	var d interfaces.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// MerkleCombine hashes two child digests into their parent. The children
// are sorted lexicographically first, so the combination is symmetric and
// tree shape, not insertion order, determines the root.
func MerkleCombine(left, right interfaces.Digest) interfaces.Digest {
	if bytes.Compare(left[:], right[:]) > 0 {
		left, right = right, left
	}

	h := sha256.New()
	h.Write([]byte(merkleNodePrefix))
	h.Write(left[:])
	h.Write(right[:])

	var d interfaces.Digest
	copy(d[:], h.Sum(nil))
	return d
}

// MerkleRoot builds the commitment root over a set of leaves. Leaves are
// sorted before tree construction, which together with the sorted combine
// makes the root invariant under leaf insertion order. A single leaf is its
// own root; an odd leaf at any level is promoted unchanged.
func MerkleRoot(leaves []interfaces.Digest) (interfaces.Digest, error) {
	if len(leaves) == 0 {
		return interfaces.Digest{}, interfaces.NewInputError("leaves", "must not be empty")
	}

	level := make([]interfaces.Digest, len(leaves))
	copy(level, leaves)
	sort.Slice(level, func(i, j int) bool {
		return bytes.Compare(level[i][:], level[j][:]) < 0
	})

	for len(level) > 1 {
		next := make([]interfaces.Digest, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, MerkleCombine(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return level[0], nil
}

func writeLengthPrefixed(h io.Writer, data []byte) {
	var lenBuf [4]byte
	lenBuf[0] = byte(len(data) >> 24)
	lenBuf[1] = byte(len(data) >> 16)
	lenBuf[2] = byte(len(data) >> 8)
	lenBuf[3] = byte(len(data))
	h.Write(lenBuf[:])
	h.Write(data)
}
