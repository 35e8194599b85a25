package merkle

import "strings"

// InclusionProof proves that a member hash belongs to a tree.
type InclusionProof struct {
	Index      int         `json:"index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof returns the inclusion proof for the leaf at index, or false if the
// index is out of range.
func (t *Tree) Proof(index int) (InclusionProof, bool) {
	if index < 0 || index >= len(t.Leaves) {
		return InclusionProof{}, false
	}

	proof := InclusionProof{
		Index:      index,
		LeafHash:   t.Leaves[index],
		MerkleRoot: t.Root,
	}

	pos := index
	for _, level := range t.Levels {
		if len(level) == 1 {
			break
		}
		padded := level
		if len(padded)%2 != 0 {
			padded = append(append([]string(nil), padded...), padded[len(padded)-1])
		}
		if pos%2 == 0 {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: padded[pos+1]})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: padded[pos-1]})
		}
		pos /= 2
	}
	return proof, true
}

// VerifyInclusionProof recomputes the path and checks it reaches expectedRoot.
// Single-member trees have an empty path: the leaf is its own root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = nodeHash(step.SiblingHash, current)
		} else {
			current = nodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
