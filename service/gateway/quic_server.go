package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"IMCore/tools/safe"
)

const quicALPN = "im-core"

// RunQUIC QUIC 接入：每连接一条双向流承载记录序列。
// tlsConf 为空时用自签证书起服务（联调用；生产从配置下发证书）。
func (gw *Gateway) RunQUIC(ctx context.Context, tlsConf *tls.Config) error {
	if tlsConf == nil {
		var err error
		tlsConf, err = selfSignedTLS()
		if err != nil {
			return err
		}
	}
	tlsConf.NextProtos = []string{quicALPN}

	addr := fmt.Sprintf(":%d", gw.cfg.QUICListenPort())
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  gw.cfg.HeartbeatTimeout(),
		KeepAlivePeriod: gw.cfg.HeartbeatInterval(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	gw.log.Infof("quic listening on %s", addr)

	for {
		sess, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		safe.Go(func() { gw.acceptStreams(ctx, sess) })
	}
}

func (gw *Gateway) acceptStreams(ctx context.Context, sess quic.Connection) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		_ = sess.CloseWithError(0, "no stream")
		return
	}
	gw.HandleConn(NewQUICTransport(sess, stream))
}

// selfSignedTLS 进程内一次性证书；只为联调把链路跑通
func selfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "im-core-gateway"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}, nil
}
