package coprocessor

import (
	"bytes"
	"testing"
)

// testSeed is a fixed committee seed.
var testSeed = bytes.Repeat([]byte{7}, 32)

// newTestCommittee creates a 3-of-4 committee.
func newTestCommittee(t *testing.T) *Committee {
	t.Helper()

	c, err := NewCommittee(testSeed, 4, 3)
	if err != nil {
		t.Fatalf("create committee: %v", err)
	}

	return c
}

// TestCommitteeSignVerify tests that a threshold proof verifies.
func TestCommitteeSignVerify(t *testing.T) {
	c := newTestCommittee(t)
	ct := PackCleartexts([]uint32{150, 15})

	proof, err := c.Sign(1, ct)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v, err := NewVerifier(c.PublicKeys(), c.Threshold())
	if err != nil {
		t.Fatalf("create verifier: %v", err)
	}

	if !v.CheckSignatures(1, ct, proof) {
		t.Error("valid proof should verify")
	}

	if !c.Verifier().CheckSignatures(1, ct, proof) {
		t.Error("committee-bound verifier should accept its own proof")
	}
}

// TestCheckSignaturesRejects tests every way a proof can be wrong.
func TestCheckSignaturesRejects(t *testing.T) {
	c := newTestCommittee(t)
	v := c.Verifier()
	ct := PackCleartexts([]uint32{150, 15})

	proof, err := c.Sign(1, ct)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if v.CheckSignatures(2, ct, proof) {
		t.Error("proof for another request id should fail")
	}

	if v.CheckSignatures(1, PackCleartexts([]uint32{151, 15}), proof) {
		t.Error("proof over other cleartexts should fail")
	}

	short, err := c.SignWith([]int{0, 1}, 1, ct)
	if err != nil {
		t.Fatalf("sign below threshold: %v", err)
	}

	if v.CheckSignatures(1, ct, short) {
		t.Error("proof below threshold should fail")
	}

	// Claim a signer that did not sign.
	forged := bytes.Clone(proof)
	forged[2] |= 1 << 3

	if v.CheckSignatures(1, ct, forged) {
		t.Error("bitmap naming a non-signer should fail")
	}

	if v.CheckSignatures(1, ct, proof[:len(proof)-1]) {
		t.Error("truncated proof should fail")
	}

	if v.CheckSignatures(1, ct, nil) {
		t.Error("empty proof should fail")
	}
}

// TestCheckSignaturesOtherCommittee tests that a foreign committee's proof fails.
func TestCheckSignaturesOtherCommittee(t *testing.T) {
	c := newTestCommittee(t)

	other, err := NewCommittee(bytes.Repeat([]byte{9}, 32), 4, 3)
	if err != nil {
		t.Fatalf("create committee: %v", err)
	}

	ct := PackCleartexts([]uint32{1})

	proof, err := other.Sign(5, ct)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if c.Verifier().CheckSignatures(5, ct, proof) {
		t.Error("proof from another committee should fail")
	}
}

// TestCommitteeDeterministic tests that the seed fixes the member keys.
func TestCommitteeDeterministic(t *testing.T) {
	a := newTestCommittee(t)
	b := newTestCommittee(t)

	for i, pk := range a.PublicKeys() {
		if !bytes.Equal(pk, b.PublicKeys()[i]) {
			t.Errorf("member %d key differs", i)
		}
	}
}

// TestNewCommitteeRejects tests invalid sizes and thresholds.
func TestNewCommitteeRejects(t *testing.T) {
	if _, err := NewCommittee(testSeed, 0, 1); err == nil {
		t.Error("empty committee should fail")
	}

	if _, err := NewCommittee(testSeed, 3, 4); err == nil {
		t.Error("threshold above size should fail")
	}

	if _, err := NewVerifier([][]byte{make([]byte, PublicKeySize)}, 1); err == nil {
		t.Error("invalid public key should fail")
	}
}

// TestProofEncoding tests the proof layout.
func TestProofEncoding(t *testing.T) {
	sig := bytes.Repeat([]byte{0xaa}, SignatureSize)
	proof := EncodeProof([]byte{0x07}, sig)

	bitmap, gotSig, err := DecodeProof(proof)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(bitmap, []byte{0x07}) || !bytes.Equal(gotSig, sig) {
		t.Error("decoded fields differ")
	}

	if got := parseSignerBitmap(buildSignerBitmap([]int{0, 2, 9}, 10)); len(got) != 3 || got[2] != 9 {
		t.Errorf("bitmap indices: got %v", got)
	}
}
