package archive

import (
	"github.com/klauspost/compress/zstd"
)

// 全局共享的 zstd 编码器和解码器，EncodeAll/DecodeAll 可以并发调用
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic(err)
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic(err)
	}
}

// ContentEncoding 归档对象的内容编码
const ContentEncoding = "zstd"

// Compress 压缩 src 并返回新的切片
func Compress(src []byte) []byte {
	return encoder.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Decompress 解压 zstd 数据
func Decompress(src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, nil)
}
