package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 控制协议使用的 content-subtype
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec 消息均为普通结构体，直接用 JSON 编码
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }
