package signature

import "github.com/golang/protobuf/proto"

// SignatureMagic starts every signature blob.
const SignatureMagic = int32(0xFEF5F01)

// CompressionAlgorithm selects how the block hashes following the header
// are encoded.
type CompressionAlgorithm = int32

const (
	CompressionAlgorithm_NONE   CompressionAlgorithm = 0
	CompressionAlgorithm_BROTLI CompressionAlgorithm = 1
)

type CompressionSettings struct {
	Algorithm CompressionAlgorithm `protobuf:"varint,1,opt,name=algorithm,proto3" json:"algorithm,omitempty"`
	Quality   int32                `protobuf:"varint,2,opt,name=quality,proto3" json:"quality,omitempty"`
}

func (m *CompressionSettings) Reset()         { *m = CompressionSettings{} }
func (m *CompressionSettings) String() string { return proto.CompactTextString(m) }
func (*CompressionSettings) ProtoMessage()    {}

type SignatureHeader struct {
	Compression *CompressionSettings `protobuf:"bytes,1,opt,name=compression,proto3" json:"compression,omitempty"`
	// DataLength is the length of whatever the blocks describe: the file
	// for the finest level, the next finer blob otherwise.
	DataLength int64 `protobuf:"varint,2,opt,name=dataLength,proto3" json:"dataLength,omitempty"`
}

func (m *SignatureHeader) Reset()         { *m = SignatureHeader{} }
func (m *SignatureHeader) String() string { return proto.CompactTextString(m) }
func (*SignatureHeader) ProtoMessage()    {}

type BlockHash struct {
	Offset int64  `protobuf:"varint,1,opt,name=offset,proto3" json:"offset,omitempty"`
	Length int64  `protobuf:"varint,2,opt,name=length,proto3" json:"length,omitempty"`
	Digest []byte `protobuf:"bytes,3,opt,name=digest,proto3" json:"digest,omitempty"`
}

func (m *BlockHash) Reset()         { *m = BlockHash{} }
func (m *BlockHash) String() string { return proto.CompactTextString(m) }
func (*BlockHash) ProtoMessage()    {}
