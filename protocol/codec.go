package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	errs "IMCore/tools/errs"
)

// 记录格式：4字节大端长度 + 1字节flags + 正文
// flags 低4位为编码号（1=proto 2=json），bit4 为 gzip 压缩
const (
	codecProto byte = 1
	codecJSON  byte = 2

	flagGzip byte = 1 << 4

	recordHeader = 5
)

type Codec interface {
	Name() string
	Marshal(f *Frame) ([]byte, error)
	Unmarshal(data []byte, f *Frame) error
}

func CodecByName(name string) (Codec, bool) {
	switch name {
	case "proto", "":
		return ProtoCodec{}, true
	case "json":
		return JSONCodec{}, true
	}
	return nil, false
}

func codecID(c Codec) byte {
	if _, ok := c.(JSONCodec); ok {
		return codecJSON
	}
	return codecProto
}

func codecByID(id byte) (Codec, bool) {
	switch id {
	case codecProto:
		return ProtoCodec{}, true
	case codecJSON:
		return JSONCodec{}, true
	}
	return nil, false
}

// EncodeRecord 一帧一条记录；compress 对正文做 gzip（小帧不划算，由调用方决定）
func EncodeRecord(c Codec, f *Frame, compress bool) ([]byte, error) {
	body, err := c.Marshal(f)
	if err != nil {
		return nil, errs.WrapMsg(err, "encode frame", "codec", c.Name())
	}
	flags := codecID(c)
	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, errs.Wrap(err)
		}
		if err := zw.Close(); err != nil {
			return nil, errs.Wrap(err)
		}
		body = buf.Bytes()
		flags |= flagGzip
	}
	out := make([]byte, recordHeader+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)+1))
	out[4] = flags
	copy(out[recordHeader:], body)
	return out, nil
}

// DecodeRecord 校验长度上限并按 flags 选择编/解压；maxSize<=0 不限制
func DecodeRecord(data []byte, maxSize int) (*Frame, error) {
	if len(data) < recordHeader {
		return nil, errs.ErrMessageFormat.WithDetail("record too short")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if int(n) != len(data)-4 {
		return nil, errs.ErrMessageFormat.WithDetail("length prefix mismatch")
	}
	if maxSize > 0 && len(data) > maxSize {
		return nil, errs.ErrMessageFormat.WithDetail("oversize record")
	}
	flags := data[4]
	body := data[recordHeader:]
	if flags&flagGzip != 0 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errs.ErrMessageFormat.WithDetail("bad gzip body")
		}
		var src io.Reader = zr
		if maxSize > 0 {
			src = io.LimitReader(zr, int64(maxSize)+1)
		}
		raw, err := io.ReadAll(src)
		if err != nil {
			return nil, errs.ErrMessageFormat.WithDetail("gzip read")
		}
		if maxSize > 0 && len(raw) > maxSize {
			return nil, errs.ErrMessageFormat.WithDetail("oversize after inflate")
		}
		body = raw
	}
	c, ok := codecByID(flags &^ flagGzip)
	if !ok {
		return nil, errs.ErrProtocolMismatch.WithDetail("unknown codec id")
	}
	f := &Frame{}
	if err := c.Unmarshal(body, f); err != nil {
		return nil, errs.ErrMessageFormat.WithDetail(err.Error())
	}
	return f, nil
}

// ReadRecord 从流式传输（QUIC/TCP）读取一条完整记录
func ReadRecord(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, errs.ErrMessageFormat.WithDetail("empty record")
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, errs.ErrMessageFormat.WithDetail("oversize record")
	}
	out := make([]byte, 4+int(n))
	copy(out[:4], hdr[:])
	if _, err := io.ReadFull(r, out[4:]); err != nil {
		return nil, err
	}
	return out, nil
}
