package client

import (
	"context"
	"testing"

	"duplex-rpc/codec"
	"duplex-rpc/config"
	"duplex-rpc/message"
)

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	_, cfg := startServer(b, serverConfig(config.TransportWebSocket, "json"))
	cli := connect(b, cfg)

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（同一连接上多路复用）
func BenchmarkConcurrentCall(b *testing.B) {
	for _, name := range []string{config.TransportWebSocket, config.TransportTCP} {
		b.Run(name, func(b *testing.B) {
			_, cfg := startServer(b, serverConfig(name, "json"))
			cli := connect(b, cfg)

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				args := &Args{A: 1, B: 2}
				reply := &Reply{}
				for pb.Next() {
					if err := cli.Call(context.Background(), "Arith.Add", args, reply); err != nil {
						b.Error(err)
						return
					}
				}
			})
		})
	}
}

// 场景3: 编解码性能（不走网络，纯 codec）
func BenchmarkCodec(b *testing.B) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		b.Run(ct.String(), func(b *testing.B) {
			cdc := codec.GetCodec(ct)
			env := &message.Envelope{
				Kind:   message.KindRequest,
				ID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
				Method: "Arith.Add",
				Params: []byte(`{"A":1,"B":2}`),
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				data, _ := cdc.Encode(env)
				cdc.Decode(data)
			}
		})
	}
}
