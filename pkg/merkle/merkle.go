// Package merkle builds the anchor batch tree and its inclusion proofs.
//
// Fixed rules, shared with every external verifier:
//   - leaf hash      = SHA-256(0x00 || leaf bytes)
//   - internal node  = SHA-256(0x01 || left || right)
//   - an odd node at any level is paired with a duplicate of itself
//
// The distinct leaf and node prefixes are the domain separation that stops a
// second-preimage attack from presenting an internal node as a leaf.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const (
	LeafPrefix byte = 0x00
	NodePrefix byte = 0x01
)

const (
	SideLeft  = "left"
	SideRight = "right"
)

var ErrEmptyTree = errors.New("merkle tree needs at least one leaf")

// PathStep is one level of an inclusion proof: the sibling node hash and the
// side it occupies relative to the node being proven.
type PathStep struct {
	SiblingHash string `json:"sibling_hash"`
	Side        string `json:"side"`
}

// LeafHash returns the domain-separated hash of one leaf.
func LeafHash(leaf []byte) []byte {
	h := sha256.New()
	h.Write([]byte{LeafPrefix})
	h.Write(leaf)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{NodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Root computes the tree root over leaves in the given order.
func Root(leaves [][]byte) ([]byte, error) {
	levels, err := buildLevels(leaves)
	if err != nil {
		return nil, err
	}
	top := levels[len(levels)-1]
	return top[0], nil
}

// Prove returns the sibling path from leaves[index] up to the root.
func Prove(leaves [][]byte, index int) ([]PathStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, errors.New("leaf index out of range")
	}
	levels, err := buildLevels(leaves)
	if err != nil {
		return nil, err
	}

	var path []PathStep
	pos := index
	for _, level := range levels[:len(levels)-1] {
		var sibling []byte
		var side string
		if pos%2 == 0 {
			side = SideRight
			if pos+1 < len(level) {
				sibling = level[pos+1]
			} else {
				// odd node pairs with itself
				sibling = level[pos]
			}
		} else {
			side = SideLeft
			sibling = level[pos-1]
		}
		path = append(path, PathStep{SiblingHash: hex.EncodeToString(sibling), Side: side})
		pos /= 2
	}
	return path, nil
}

// VerifyInclusion recomputes the root from one leaf and its path and compares
// it against the trusted root.
func VerifyInclusion(leaf []byte, path []PathStep, root []byte) bool {
	current := LeafHash(leaf)
	for _, step := range path {
		sibling, err := hex.DecodeString(step.SiblingHash)
		if err != nil || len(sibling) != sha256.Size {
			return false
		}
		switch step.Side {
		case SideRight:
			current = nodeHash(current, sibling)
		case SideLeft:
			current = nodeHash(sibling, current)
		default:
			return false
		}
	}
	return bytes.Equal(current, root)
}

func buildLevels(leaves [][]byte) ([][][]byte, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = LeafHash(leaf)
	}
	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, nodeHash(left, right))
		}
		level = next
		levels = append(levels, level)
	}
	return levels, nil
}
