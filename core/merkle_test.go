package core

import "testing"

// ------------------------------------------------------------
// S3: four-leaf tree structure and proof contents
// ------------------------------------------------------------

func TestFourLeafRootStructure(t *testing.T) {
	c1, c2, c3, c4 := []byte("c1"), []byte("c2"), []byte("c3"), []byte("c4")
	leaves := [][]byte{c1, c2, c3, c4}

	root := BuildMerkleRoot(leaves)
	want := merklePair(
		merklePair(merkleLeaf(c1), merkleLeaf(c2)),
		merklePair(merkleLeaf(c3), merkleLeaf(c4)),
	)
	if root != want {
		t.Fatalf("root != H(H(c1,c2), H(c3,c4))")
	}

	proof, err := GenerateMerkleProof(leaves, 0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if len(proof.SiblingPath) != 2 {
		t.Fatalf("path len=%d want 2", len(proof.SiblingPath))
	}
	if proof.SiblingPath[0] != merkleLeaf(c2) {
		t.Fatalf("first sibling is not H(c2)")
	}
	if proof.SiblingPath[1] != merklePair(merkleLeaf(c3), merkleLeaf(c4)) {
		t.Fatalf("second sibling is not H(H(c3,c4))")
	}

	if !VerifyMerkleProof(&proof, root, c1) {
		t.Fatalf("proof fails against its own root")
	}
	other := BuildMerkleRoot([][]byte{c2, c1, c3, c4})
	if VerifyMerkleProof(&proof, other, c1) {
		t.Fatalf("proof verified against a foreign root")
	}
}

// ------------------------------------------------------------
// Odd-node promotion
// ------------------------------------------------------------

func TestOddNodePromotion(t *testing.T) {
	c1, c2, c3 := []byte("c1"), []byte("c2"), []byte("c3")
	root := BuildMerkleRoot([][]byte{c1, c2, c3})
	// c3 promotes unchanged, then pairs with H(c1,c2).
	want := merklePair(merklePair(merkleLeaf(c1), merkleLeaf(c2)), merkleLeaf(c3))
	if root != want {
		t.Fatalf("odd node was not promoted")
	}
}

func TestProofAllIndexes(t *testing.T) {
	sizes := []int{1, 2, 3, 5, 7, 8, 13}
	for _, n := range sizes {
		leaves := make([][]byte, n)
		for i := range leaves {
			leaves[i] = []byte{byte(i), byte(n)}
		}
		root := BuildMerkleRoot(leaves)
		for i := 0; i < n; i++ {
			proof, err := GenerateMerkleProof(leaves, i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !VerifyMerkleProof(&proof, root, leaves[i]) {
				t.Fatalf("n=%d i=%d: proof rejected", n, i)
			}
			if i+1 < n && VerifyMerkleProof(&proof, root, leaves[i+1]) {
				t.Fatalf("n=%d i=%d: proof accepted wrong leaf", n, i)
			}
		}
	}
}

func TestProofValidate(t *testing.T) {
	bad := MerkleProof{SiblingPath: make([]Hash32, MaxMerkleDepth+1)}
	if bad.Validate() == nil {
		t.Fatalf("overlong path accepted")
	}
	oob := MerkleProof{LeafIndex: 4, TreeSize: 4}
	if oob.Validate() == nil {
		t.Fatalf("out-of-bounds index accepted")
	}
}
