package protocol

import (
	"bytes"
	"errors"
	"testing"

	errs "IMCore/tools/errs"
)

func sampleFrame() *Frame {
	return &Frame{
		MsgID:       748508987506704384,
		Cmd:         CmdMessage,
		Op:          OpSend,
		Reliability: AtLeastOnce,
		Metadata: map[string][]byte{
			MetaSessionID: []byte("s-001"),
			MetaTenantID:  []byte("tenant_001"),
		},
		Payload: []byte(`{"conv_id":"C","content":"hi"}`),
	}
}

func TestRecordRoundTrip(t *testing.T) {
	for _, name := range []string{"proto", "json"} {
		t.Run(name, func(t *testing.T) {
			c, ok := CodecByName(name)
			if !ok {
				t.Fatalf("codec %s not found", name)
			}
			in := sampleFrame()
			rec, err := EncodeRecord(c, in, false)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			out, err := DecodeRecord(rec, 1<<20)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.MsgID != in.MsgID || out.Cmd != in.Cmd || out.Op != in.Op {
				t.Errorf("header mismatch: got %+v", out)
			}
			if out.Reliability != AtLeastOnce {
				t.Errorf("qos mismatch: %v", out.Reliability)
			}
			if string(out.Metadata[MetaSessionID]) != "s-001" {
				t.Errorf("meta mismatch: %q", out.Metadata[MetaSessionID])
			}
			if !bytes.Equal(out.Payload, in.Payload) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestRecordCompressed(t *testing.T) {
	in := sampleFrame()
	in.Payload = bytes.Repeat([]byte("abcd"), 4096)
	rec, err := EncodeRecord(ProtoCodec{}, in, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(rec) >= len(in.Payload) {
		t.Errorf("compression did not shrink record: %d", len(rec))
	}
	out, err := DecodeRecord(rec, 1<<20)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload mismatch after inflate")
	}
}

// maxSize<=0 表示不限制，压缩正文也要完整解出来
func TestRecordCompressedUnlimited(t *testing.T) {
	in := sampleFrame()
	in.Payload = bytes.Repeat([]byte("abcd"), 4096)
	rec, err := EncodeRecord(ProtoCodec{}, in, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeRecord(rec, 0)
	if err != nil {
		t.Fatalf("decode unlimited: %v", err)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("payload truncated: got %d bytes, want %d", len(out.Payload), len(in.Payload))
	}
}

func TestRecordOversize(t *testing.T) {
	in := sampleFrame()
	in.Payload = bytes.Repeat([]byte{1}, 2048)
	rec, err := EncodeRecord(ProtoCodec{}, in, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRecord(rec, 128); !errors.Is(err, errs.ErrMessageFormat) {
		t.Errorf("want MessageFormat, got %v", err)
	}
}

func TestRecordCorruptPrefix(t *testing.T) {
	rec, _ := EncodeRecord(JSONCodec{}, sampleFrame(), false)
	rec[0] ^= 0xff
	if _, err := DecodeRecord(rec, 1<<20); err == nil {
		t.Fatal("corrupt prefix accepted")
	}
}

func TestUnknownCodecID(t *testing.T) {
	rec, _ := EncodeRecord(JSONCodec{}, sampleFrame(), false)
	rec[4] = 0x0f // 非法编码号
	if _, err := DecodeRecord(rec, 1<<20); !errors.Is(err, errs.ErrProtocolMismatch) {
		t.Errorf("want ProtocolMismatch, got %v", err)
	}
}

func TestReadRecordStream(t *testing.T) {
	c := ProtoCodec{}
	var buf bytes.Buffer
	frames := []*Frame{sampleFrame(), {MsgID: 2, Cmd: CmdSystem, Op: OpPing}}
	for _, f := range frames {
		rec, err := EncodeRecord(c, f, false)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		buf.Write(rec)
	}
	for i := range frames {
		rec, err := ReadRecord(&buf, 1<<20)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		f, err := DecodeRecord(rec, 1<<20)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if f.MsgID != frames[i].MsgID {
			t.Errorf("frame %d: msg_id=%d", i, f.MsgID)
		}
	}
}

func TestProtoUnknownFieldSkipped(t *testing.T) {
	// 旧版 ProtoCodec 解析带新增字段的帧应跳过而非报错
	b, err := (ProtoCodec{}).Marshal(sampleFrame())
	if err != nil {
		t.Fatal(err)
	}
	// 追加一个未知的 varint 字段 15
	b = append(b, 0x78, 0x2a)
	f := &Frame{}
	if err := (ProtoCodec{}).Unmarshal(b, f); err != nil {
		t.Fatalf("unknown field rejected: %v", err)
	}
	if f.MsgID != sampleFrame().MsgID {
		t.Errorf("msg_id lost: %d", f.MsgID)
	}
}
