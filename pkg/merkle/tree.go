// Package merkle builds deterministic Merkle trees over ordered lists of
// evidence hashes. The root is a pure function of the ordered member list:
// re-deriving it from the same list always reproduces the same root.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const nodePrefix = "attestra:anchor:node:v1\x00"

// Tree holds the member hashes and every node level up to the root.
type Tree struct {
	Leaves []string   `json:"leaves"`
	Levels [][]string `json:"levels"`
	Root   string     `json:"root"`
}

// Root returns the Merkle root for an ordered list of member hashes.
//
// Rules: empty list yields the hash of empty input; a single hash is its own
// root; otherwise adjacent hashes are pairwise combined, duplicating the last
// element when a level has odd length, until one root remains.
func Root(hashes []string) string {
	return Build(hashes).Root
}

// Build constructs the full tree for an ordered list of member hashes.
func Build(hashes []string) *Tree {
	if len(hashes) == 0 {
		return &Tree{Root: sha256Hex(nil)}
	}

	tree := &Tree{Leaves: append([]string(nil), hashes...)}
	level := append([]string(nil), hashes...)
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = nextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree
}

func nextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes, hashes[count-1]) // duplicate last
		count++
	}
	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = nodeHash(hashes[i], hashes[i+1])
	}
	return next
}

func nodeHash(left, right string) string {
	buf := make([]byte, 0, len(nodePrefix)+64)
	buf = append(buf, nodePrefix...)
	buf = append(buf, hashBytes(left)...)
	buf = append(buf, hashBytes(right)...)
	return sha256Hex(buf)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// hashBytes decodes the hex digest portion of a prefixed hash. Non-hex input
// falls back to the raw string bytes so malformed members still hash
// deterministically instead of being silently dropped.
func hashBytes(h string) []byte {
	trimmed := strings.TrimPrefix(h, "sha256:")
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return []byte(h)
	}
	return b
}
