package core

// merkle.go – commitment tree hashing with odd-node promotion.
//
// Levels pair left/right nodes as H(left || right); an unpaired node is
// promoted unchanged to the next level. Proofs carry the sibling path from
// leaf to root plus the leaf index; verification re-executes the pair/promote
// sequence along the index bit-path.

import "errors"

// MaxMerkleDepth bounds proof length (supports up to 2^32 leaves).
const MaxMerkleDepth = 32

const merkleDomain = "aura/merkle"

func merkleLeaf(leaf []byte) Hash32 { return HashDomain(merkleDomain, []byte{0}, leaf) }

func merklePair(left, right Hash32) Hash32 {
	return HashDomain(merkleDomain, []byte{1}, left[:], right[:])
}

// MerkleProof is a sibling path from a leaf to the root.
type MerkleProof struct {
	SiblingPath []Hash32 `cbor:"1,keyasint"`
	LeafIndex   uint32   `cbor:"2,keyasint"`
	TreeSize    uint32   `cbor:"3,keyasint"`
}

// Validate checks the structural invariants of a deserialized proof.
func (p *MerkleProof) Validate() error {
	if len(p.SiblingPath) > MaxMerkleDepth {
		return errors.New("sibling path exceeds max depth")
	}
	if p.TreeSize > 0 {
		if p.LeafIndex >= p.TreeSize {
			return errors.New("leaf index out of bounds")
		}
	} else if len(p.SiblingPath) != 0 || p.LeafIndex != 0 {
		return errors.New("empty tree proof must be empty")
	}
	return nil
}

// BuildMerkleRoot computes the root over the hashed leaves. An empty leaf
// set yields the zero hash.
func BuildMerkleRoot(leaves [][]byte) Hash32 {
	if len(leaves) == 0 {
		return Hash32{}
	}
	level := make([]Hash32, len(leaves))
	for i, l := range leaves {
		level[i] = merkleLeaf(l)
	}
	for len(level) > 1 {
		next := make([]Hash32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, merklePair(level[i], level[i+1]))
			} else {
				// Odd node promotes unchanged.
				next = append(next, level[i])
			}
		}
		level = next
	}
	return level[0]
}

// GenerateMerkleProof builds the sibling path for the leaf at index.
func GenerateMerkleProof(leaves [][]byte, index int) (MerkleProof, error) {
	if len(leaves) == 0 || index < 0 || index >= len(leaves) {
		return MerkleProof{}, errors.New("leaf index out of range")
	}
	level := make([]Hash32, len(leaves))
	for i, l := range leaves {
		level[i] = merkleLeaf(l)
	}
	var path []Hash32
	idx := index
	for len(level) > 1 {
		next := make([]Hash32, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				if i == idx {
					path = append(path, level[i+1])
				} else if i+1 == idx {
					path = append(path, level[i])
				}
				next = append(next, merklePair(level[i], level[i+1]))
			} else {
				// Promoted node keeps its path empty for this level;
				// the index just moves up.
				next = append(next, level[i])
			}
		}
		level = next
		idx /= 2
	}
	return MerkleProof{SiblingPath: path, LeafIndex: uint32(index), TreeSize: uint32(len(leaves))}, nil
}

// VerifyMerkleProof checks the proof against the expected root for the given
// leaf value.
func VerifyMerkleProof(proof *MerkleProof, root Hash32, leaf []byte) bool {
	if proof.Validate() != nil {
		return false
	}
	current := merkleLeaf(leaf)
	if len(proof.SiblingPath) == 0 {
		return current == root
	}
	idx := int(proof.LeafIndex)
	size := int(proof.TreeSize)
	pathPos := 0
	for size > 1 {
		hasSibling := idx^1 < size
		if hasSibling {
			if pathPos >= len(proof.SiblingPath) {
				return false
			}
			sib := proof.SiblingPath[pathPos]
			pathPos++
			if idx%2 == 0 {
				current = merklePair(current, sib)
			} else {
				current = merklePair(sib, current)
			}
		}
		// A node without a sibling is promoted: hash is unchanged.
		idx /= 2
		size = (size + 1) / 2
	}
	return pathPos == len(proof.SiblingPath) && current == root
}
