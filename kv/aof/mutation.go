package aof

import (
	"context"
	"fmt"

	"go.miragespace.co/ringstore/spec/kv"

	"go.uber.org/zap"
)

type mutationOp uint8

const (
	opSet mutationOp = iota + 1
	opDelete
)

func (o mutationOp) String() string {
	switch o {
	case opSet:
		return "SET"
	case opDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", o)
	}
}

type mutation struct {
	Op    mutationOp `json:"op"`
	Key   string     `json:"key"`
	Value string     `json:"value,omitempty"`
}

func (d *DiskKV) handleMutation(mut *mutation) error {
	d.logger.Debug("Handling mutation", zap.String("mutation", mut.Op.String()), zap.String("key", mut.Key))

	switch mut.Op {
	case opSet:
		d.memKv.Put(mut.Key, mut.Value)
	case opDelete:
		d.memKv.Remove(mut.Key)
	default:
		return fmt.Errorf("unknown mutation %s", mut.Op)
	}
	return nil
}

func (d *DiskKV) submit(ctx context.Context, mut *mutation) error {
	d.writeBarrier.RLock()
	defer d.writeBarrier.RUnlock()
	if d.closed.Load() {
		return kv.ErrClosed
	}

	req := &mutationReq{
		err: make(chan error, 1),
		mut: mut,
	}
	select {
	case d.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.err
}

func (d *DiskKV) Set(ctx context.Context, key string, value string) error {
	return d.submit(ctx, &mutation{
		Op:    opSet,
		Key:   key,
		Value: value,
	})
}

func (d *DiskKV) Delete(ctx context.Context, key string) error {
	if _, found, _ := d.memKv.Get(ctx, key); !found {
		return nil
	}
	return d.submit(ctx, &mutation{
		Op:  opDelete,
		Key: key,
	})
}
