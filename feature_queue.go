package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// ===========================================================================
// FEATURE QUEUE - rolling memory of past embeddings
// ===========================================================================
//
// With small batches, the Sinkhorn balancer sees too few samples to spread
// them meaningfully across thousands of prototypes. The fix is a ring
// buffer of embeddings from previous steps, one buffer per assignment crop.
// When active, the queue's stored embeddings are scored against the current
// prototypes and prepended to the batch's similarity rows as "virtual"
// samples, giving the balancer a larger population to balance without
// growing the batch.
//
// Eviction is by batch-sized blocks, not row by row: each step shifts the
// whole buffer back by B rows (the oldest B fall off the end) and writes
// the current batch's embeddings at the front. After capacity/B steps the
// original content is fully evicted.
//
// Everything that enters the queue is already detached (*mat.Dense carries
// no gradient buffer); the queue never participates in backpropagation.
//
// The buffer is per-worker and persists across process restarts via a
// rank-scoped file, so a resumed run continues with the memory it had at
// the last epoch boundary. No merging across ranks ever happens.
// ===========================================================================

// FeatureQueue is a fixed-size FIFO of embedding rows, one slot per
// assignment crop. It is allocated once and never resized.
type FeatureQueue struct {
	slots    []*mat.Dense // each (capacity x featDim)
	capacity int          // rows per slot, for this worker
	featDim  int
}

// NewFeatureQueue allocates a zeroed queue with numSlots slots of
// capacity rows each.
func NewFeatureQueue(numSlots, capacity, featDim int) *FeatureQueue {
	if numSlots <= 0 || capacity <= 0 || featDim <= 0 {
		panic(fmt.Sprintf("queue: invalid dimensions (%d slots, %d capacity, %d features)",
			numSlots, capacity, featDim))
	}

	slots := make([]*mat.Dense, numSlots)
	for i := range slots {
		slots[i] = mat.NewDense(capacity, featDim, nil)
	}
	return &FeatureQueue{slots: slots, capacity: capacity, featDim: featDim}
}

// NumSlots returns the number of assignment-crop slots.
func (fq *FeatureQueue) NumSlots() int { return len(fq.slots) }

// Capacity returns the per-worker row capacity of each slot.
func (fq *FeatureQueue) Capacity() int { return fq.capacity }

// OldestFilled reports whether the slot's oldest row holds any nonzero
// entry, i.e. the ring has wrapped at least once and every row is real
// history rather than allocation zeros.
func (fq *FeatureQueue) OldestFilled(slot int) bool {
	last := fq.slots[slot].RawRowView(fq.capacity - 1)
	for _, v := range last {
		if v != 0 {
			return true
		}
	}
	return false
}

// Augment prepends the queue's scores against the current prototypes to the
// batch's own scores. protoW is the (K x D) prototype matrix; scores is the
// current batch's (B x K) similarity rows. The result is ((capacity+B) x K)
// with the queue-derived rows first, matching the convention that the
// caller keeps only the trailing B rows of the balanced assignment.
func (fq *FeatureQueue) Augment(slot int, protoW, scores *mat.Dense) *mat.Dense {
	b, k := scores.Dims()

	var queueScores mat.Dense
	queueScores.Mul(fq.slots[slot], protoW.T())

	out := mat.NewDense(fq.capacity+b, k, nil)
	out.Slice(0, fq.capacity, 0, k).(*mat.Dense).Copy(&queueScores)
	out.Slice(fq.capacity, fq.capacity+b, 0, k).(*mat.Dense).Copy(scores)
	return out
}

// Enqueue shifts the slot's content back by the batch size and writes the
// batch's embeddings into the vacated front rows. emb is (B x featDim);
// B must not exceed the slot capacity.
func (fq *FeatureQueue) Enqueue(slot int, emb *mat.Dense) {
	b, d := emb.Dims()
	if d != fq.featDim {
		panic(fmt.Sprintf("queue: embedding dim %d does not match queue dim %d", d, fq.featDim))
	}
	if b > fq.capacity {
		panic(fmt.Sprintf("queue: batch of %d rows exceeds slot capacity %d", b, fq.capacity))
	}

	raw := fq.slots[slot].RawMatrix()
	// Built-in copy has memmove semantics, so the overlapping shift is safe.
	copy(raw.Data[b*fq.featDim:fq.capacity*fq.featDim], raw.Data[:(fq.capacity-b)*fq.featDim])

	embRaw := emb.RawMatrix()
	for i := 0; i < b; i++ {
		copy(raw.Data[i*fq.featDim:(i+1)*fq.featDim], embRaw.Data[i*embRaw.Stride:i*embRaw.Stride+d])
	}
}

// ===========================================================================
// PERSISTENCE
// ===========================================================================
//
// One file per worker: a JSON header naming the buffer and its dimensions,
// followed by the raw float64 payload for every slot in order, little
// endian. Written at the end of every epoch in which the queue is active,
// read back verbatim at setup if present.

type queueHeader struct {
	Key      string `json:"key"`
	Slots    int    `json:"slots"`
	Capacity int    `json:"capacity"`
	FeatDim  int    `json:"feat_dim"`
}

// QueueFilePath returns the rank-scoped queue file location:
// <logDir>/<queueDir>/queue<rank>.bin.
func QueueFilePath(logDir, queueDir string, rank int) string {
	return filepath.Join(logDir, queueDir, fmt.Sprintf("queue%d.bin", rank))
}

// Save writes the full queue buffer to path.
func (fq *FeatureQueue) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("queue: create %s: %w", path, err)
	}
	defer f.Close()

	header, err := json.Marshal(queueHeader{
		Key:      "queue",
		Slots:    len(fq.slots),
		Capacity: fq.capacity,
		FeatDim:  fq.featDim,
	})
	if err != nil {
		return fmt.Errorf("queue: marshal header: %w", err)
	}

	if err := binary.Write(f, binary.LittleEndian, uint32(len(header))); err != nil {
		return fmt.Errorf("queue: write header length: %w", err)
	}
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("queue: write header: %w", err)
	}

	for i, slot := range fq.slots {
		if err := binary.Write(f, binary.LittleEndian, slot.RawMatrix().Data); err != nil {
			return fmt.Errorf("queue: write slot %d: %w", i, err)
		}
	}
	return nil
}

// LoadFeatureQueue reads a queue buffer previously written by Save.
// A missing file is not an error condition for callers: they should check
// with os.Stat first and start from zeros, which Setup does.
func LoadFeatureQueue(path string) (*FeatureQueue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	defer f.Close()

	var headerLen uint32
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("queue: read header length: %w", err)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("queue: read header: %w", err)
	}

	var header queueHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("queue: unmarshal header: %w", err)
	}
	if header.Key != "queue" {
		return nil, fmt.Errorf("queue: unexpected buffer key %q", header.Key)
	}

	fq := NewFeatureQueue(header.Slots, header.Capacity, header.FeatDim)
	for i, slot := range fq.slots {
		if err := binary.Read(f, binary.LittleEndian, slot.RawMatrix().Data); err != nil {
			return nil, fmt.Errorf("queue: read slot %d: %w", i, err)
		}
	}
	return fq, nil
}
