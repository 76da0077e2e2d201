package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoCodec 默认编码：手写 protowire 布局，与 .proto 定义保持字段号一致
//
//	message Frame {
//	  int64  msg_id      = 1;
//	  int32  cmd         = 2;
//	  string op          = 3;
//	  int32  qos         = 4;
//	  repeated MetaEntry meta = 5;  // {1: key, 2: value}
//	  bytes  payload     = 6;
//	}
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(f *Frame) ([]byte, error) {
	b := make([]byte, 0, 64+len(f.Payload))
	if f.MsgID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.MsgID))
	}
	if f.Cmd != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Cmd))
	}
	if f.Op != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, f.Op)
	}
	if f.Reliability != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Reliability))
	}
	for k, v := range f.Metadata {
		entry := protowire.AppendTag(nil, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, v)
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(data []byte, f *Frame) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("bad tag: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("bad msg_id")
			}
			f.MsgID = int64(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("bad cmd")
			}
			f.Cmd = Command(v)
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("bad op")
			}
			f.Op = string(v)
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("bad qos")
			}
			f.Reliability = Reliability(v)
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("bad meta entry")
			}
			if err := consumeMetaEntry(v, f); err != nil {
				return err
			}
			data = data[n:]
		case 6:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("bad payload")
			}
			f.Payload = append([]byte(nil), v...)
			data = data[n:]
		default:
			// 未知字段跳过，向前兼容
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("bad unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

func consumeMetaEntry(data []byte, f *Frame) error {
	var key string
	var val []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("meta: bad tag")
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("meta: bad key")
			}
			key = string(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("meta: bad value")
			}
			val = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("meta: bad field")
			}
			data = data[n:]
		}
	}
	if key != "" {
		if f.Metadata == nil {
			f.Metadata = make(map[string][]byte, 4)
		}
		f.Metadata[key] = val
	}
	return nil
}
