package aof

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

const logVersionV1 byte = 1

func (d *DiskKV) replayLogs() error {
	first, err := d.log.FirstIndex()
	if err != nil {
		return fmt.Errorf("error reading first log index: %w", err)
	}
	index, err := d.log.LastIndex()
	if err != nil {
		return fmt.Errorf("error reading last log index: %w", err)
	}
	d.logger.Info("Replaying mutation logs", zap.Uint64("index", index))
	if first == 0 {
		first = 1
	}
	for i := first; i <= index; i++ {
		buf, err := d.log.Read(i)
		if err != nil {
			return fmt.Errorf("error reading log at index %d: %w", i, err)
		}
		mut, err := d.decodeEntry(buf)
		if err != nil {
			return fmt.Errorf("error decoding entry to mutation at index %d: %w", i, err)
		}
		if err := d.handleMutation(mut); err != nil {
			return fmt.Errorf("error apply mutation to memory state at index %d: %w", i, err)
		}
	}
	d.counter = index + 1
	return nil
}

func (d *DiskKV) decodeEntry(buf []byte) (*mutation, error) {
	if len(buf) < 1 {
		return nil, fmt.Errorf("empty log entry")
	}
	switch buf[0] {
	case logVersionV1:
		mut := &mutation{}
		if err := json.Unmarshal(buf[1:], mut); err != nil {
			return nil, err
		}
		return mut, nil
	default:
		return nil, fmt.Errorf("unknown log version: %d", buf[0])
	}
}

func (d *DiskKV) appendLog(mut *mutation) error {
	mutBuf, err := json.Marshal(mut)
	if err != nil {
		d.logger.Error("Error serializing mutation", zap.String("mutation", mut.Op.String()), zap.Error(err))
		return err
	}

	logBuf := make([]byte, 0, len(mutBuf)+1)
	logBuf = append(logBuf, logVersionV1)
	logBuf = append(logBuf, mutBuf...)

	if err := d.log.Write(d.counter, logBuf); err != nil {
		d.logger.Error("Error appending to log", zap.Uint64("counter", d.counter), zap.String("mutation", mut.Op.String()), zap.Error(err))
		return err
	}
	d.counter += 1
	return nil
}

func (d *DiskKV) rollbackOne(mut *mutation, err error) {
	d.logger.Warn("Rolling back last mutation because of an error",
		zap.String("mutation", mut.Op.String()),
		zap.Uint64("truncate", d.counter-2),
		zap.Uint64("index", d.counter-1),
		zap.Error(err),
	)
	d.counter -= 1
	if err := d.log.TruncateBack(d.counter - 1); err != nil {
		d.logger.Error("Error applying rollback to the last mutation",
			zap.Error(err))
	}
}
