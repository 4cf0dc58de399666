package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-sandbox/engine"
)

const hostNamespace = "sandbox"

// hostFunctions registers the functions guests run by this tool may import:
//
//	sandbox.log(ptr, len i32)        write a guest string to the log
//	sandbox.sleep(ms i32) -> i32     suspend the guest for ms milliseconds
//	sandbox.now_ms() -> i64          wall clock in Unix milliseconds
func hostFunctions(log *zap.Logger) (*engine.HostRegistry, error) {
	reg := engine.NewHostRegistry()
	i32 := api.ValueTypeI32

	err := reg.Register(hostNamespace, "log", []api.ValueType{i32, i32}, nil,
		func(ctx context.Context, c *engine.Caller, stack []uint64) error {
			mem := c.Memory()
			if mem == nil {
				return fmt.Errorf("guest has no memory")
			}
			msg, err := mem.ReadString(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			if err != nil {
				return err
			}
			log.Info(msg, zap.String("instance", c.InstanceID()))
			return nil
		})
	if err != nil {
		return nil, err
	}

	err = reg.RegisterAsync(hostNamespace, "sleep", []api.ValueType{i32}, []api.ValueType{i32},
		func(_ context.Context, _ *engine.Caller, params []uint64) engine.PendingOp {
			d := time.Duration(api.DecodeI32(params[0])) * time.Millisecond
			return func(ctx context.Context) ([]uint64, error) {
				t := time.NewTimer(d)
				defer t.Stop()
				select {
				case <-t.C:
					return []uint64{0}, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		})
	if err != nil {
		return nil, err
	}

	err = reg.RegisterFunc(hostNamespace, "now_ms", func(context.Context) int64 {
		return time.Now().UnixMilli()
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}
