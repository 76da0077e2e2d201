package protocol

import (
	"encoding/json"
)

// JSONCodec 兜底编码：调试友好，浏览器端免生成代码
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (JSONCodec) Unmarshal(data []byte, f *Frame) error {
	return json.Unmarshal(data, f)
}
