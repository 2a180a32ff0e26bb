package watch

import (
	"crypto/md5"
	"encoding/binary"

	"github.com/autom8ter/docsync/errors"
)

// BloomFilterInfo is the bloom filter of the documents matching a target, as sent along with an existence filter
type BloomFilterInfo struct {
	Bitmap    []byte `json:"bitmap"`
	Padding   int    `json:"padding"`
	HashCount int    `json:"hashCount"`
}

// BloomFilter answers whether a document path might belong to a target. Hashes are the two little
// endian halves of the path's md5, combined as h1 + i*h2.
type BloomFilter struct {
	bitmap    []byte
	bitCount  uint64
	hashCount int
}

// NewBloomFilter validates the info and returns a filter
func NewBloomFilter(info BloomFilterInfo) (*BloomFilter, error) {
	if info.Padding < 0 || info.Padding >= 8 {
		return nil, errors.New(errors.InvalidArgument, "invalid bloom filter padding: %d", info.Padding)
	}
	if info.HashCount < 0 {
		return nil, errors.New(errors.InvalidArgument, "invalid bloom filter hash count: %d", info.HashCount)
	}
	if len(info.Bitmap) > 0 && info.HashCount == 0 {
		return nil, errors.New(errors.InvalidArgument, "invalid bloom filter hash count: 0")
	}
	if len(info.Bitmap) == 0 && info.Padding != 0 {
		return nil, errors.New(errors.InvalidArgument, "expected padding of 0 when bitmap length is 0, but got %d", info.Padding)
	}
	return &BloomFilter{
		bitmap:    info.Bitmap,
		bitCount:  uint64(len(info.Bitmap)*8 - info.Padding),
		hashCount: info.HashCount,
	}, nil
}

// BitCount is the number of usable bits
func (b *BloomFilter) BitCount() int {
	return int(b.bitCount)
}

// MightContain is false only if value was certainly not added to the filter
func (b *BloomFilter) MightContain(value string) bool {
	if b.bitCount == 0 {
		return false
	}
	sum := md5.Sum([]byte(value))
	h1 := binary.LittleEndian.Uint64(sum[:8])
	h2 := binary.LittleEndian.Uint64(sum[8:])
	for i := 0; i < b.hashCount; i++ {
		index := (h1 + uint64(i)*h2) % b.bitCount
		if b.bitmap[index/8]&(1<<(index%8)) == 0 {
			return false
		}
	}
	return true
}

// Add sets the bits for value. Used to build filters on the serving side.
func (b *BloomFilter) Add(value string) {
	if b.bitCount == 0 {
		return
	}
	sum := md5.Sum([]byte(value))
	h1 := binary.LittleEndian.Uint64(sum[:8])
	h2 := binary.LittleEndian.Uint64(sum[8:])
	for i := 0; i < b.hashCount; i++ {
		index := (h1 + uint64(i)*h2) % b.bitCount
		b.bitmap[index/8] |= 1 << (index % 8)
	}
}

// Info returns the wire form of the filter
func (b *BloomFilter) Info() BloomFilterInfo {
	return BloomFilterInfo{
		Bitmap:    b.bitmap,
		Padding:   len(b.bitmap)*8 - int(b.bitCount),
		HashCount: b.hashCount,
	}
}

// BloomFilterStatus is the outcome of applying a bloom filter after an existence filter mismatch
type BloomFilterStatus string

const (
	// BloomFilterSkipped means no usable filter came with the existence filter
	BloomFilterSkipped BloomFilterStatus = "skipped"
	// BloomFilterSuccess means removing the documents the filter excluded brought the counts back in line
	BloomFilterSuccess BloomFilterStatus = "success"
	// BloomFilterFalsePositive means counts still disagreed after applying the filter
	BloomFilterFalsePositive BloomFilterStatus = "false_positive"
)
