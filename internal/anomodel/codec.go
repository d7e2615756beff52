package anomodel

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Binary layout, per spec.md §9: magic bytes, version, tree count,
// n_estimators, subsample size, contamination, threshold, then per tree its
// max depth followed by one flat pre-order node stream (leaf flag, and for
// an internal node its feature index and split value; child positions are
// implicit via pre-order recursion — no explicit offsets are needed because
// decode walks the same recursive shape encode used). This replaces the Python joblib/pickle artifact with a portable,
// versioned layout that round-trips exactly on any platform.
var magic = [4]byte{'I', 'F', 'S', 'T'}

const formatVersion = 1

// Marshal encodes f as a self-describing byte sequence.
func Marshal(f *Forest) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	if err := binary.Write(&buf, binary.LittleEndian, uint8(formatVersion)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(f.Trees))); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(f.NEstimators)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(f.SubsampleSize)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, f.Contamination); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, f.Threshold); err != nil {
		return nil, err
	}
	for _, t := range f.Trees {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(t.MaxDepth)); err != nil {
			return nil, err
		}
		if err := encodeNode(&buf, t.Root); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func encodeNode(buf *bytes.Buffer, n *Node) error {
	if n == nil {
		// Should not happen for a well-formed tree, but encode a leaf
		// rather than panic on a malformed one.
		return binary.Write(buf, binary.LittleEndian, uint8(1))
	}
	if n.Leaf {
		if err := binary.Write(buf, binary.LittleEndian, uint8(1)); err != nil {
			return err
		}
		return nil
	}
	if err := binary.Write(buf, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, n.SplitFeat); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, n.SplitValue); err != nil {
		return err
	}
	if err := encodeNode(buf, n.Left); err != nil {
		return err
	}
	return encodeNode(buf, n.Right)
}

// Unmarshal decodes a Forest previously produced by Marshal.
func Unmarshal(data []byte) (*Forest, error) {
	r := bytes.NewReader(data)

	var gotMagic [4]byte
	if _, err := r.Read(gotMagic[:]); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("bad magic bytes: %v", gotMagic)
	}

	var version uint8
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported model format version %d", version)
	}

	var treeCount, nEstimators, subsampleSize uint32
	if err := binary.Read(r, binary.LittleEndian, &treeCount); err != nil {
		return nil, fmt.Errorf("read tree count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nEstimators); err != nil {
		return nil, fmt.Errorf("read n_estimators: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &subsampleSize); err != nil {
		return nil, fmt.Errorf("read subsample size: %w", err)
	}

	f := &Forest{NEstimators: int(nEstimators), SubsampleSize: int(subsampleSize)}
	if err := binary.Read(r, binary.LittleEndian, &f.Contamination); err != nil {
		return nil, fmt.Errorf("read contamination: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &f.Threshold); err != nil {
		return nil, fmt.Errorf("read threshold: %w", err)
	}

	for i := uint32(0); i < treeCount; i++ {
		var maxDepth uint32
		if err := binary.Read(r, binary.LittleEndian, &maxDepth); err != nil {
			return nil, fmt.Errorf("read tree %d max depth: %w", i, err)
		}
		root, err := decodeNode(r)
		if err != nil {
			return nil, fmt.Errorf("decode tree %d: %w", i, err)
		}
		f.Trees = append(f.Trees, &Tree{Root: root, MaxDepth: int(maxDepth)})
	}

	return f, nil
}

func decodeNode(r *bytes.Reader) (*Node, error) {
	var isLeaf uint8
	if err := binary.Read(r, binary.LittleEndian, &isLeaf); err != nil {
		return nil, err
	}
	if isLeaf == 1 {
		return &Node{Leaf: true}, nil
	}

	n := &Node{}
	if err := binary.Read(r, binary.LittleEndian, &n.SplitFeat); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &n.SplitValue); err != nil {
		return nil, err
	}
	left, err := decodeNode(r)
	if err != nil {
		return nil, err
	}
	right, err := decodeNode(r)
	if err != nil {
		return nil, err
	}
	n.Left, n.Right = left, right
	return n, nil
}
