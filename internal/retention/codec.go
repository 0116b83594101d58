package retention

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/onnwee/audittrail/internal/audit"
)

// encodePayload compresses one event for the warm tier.
func encodePayload(e *audit.Event) ([]byte, error) {
	data, err := audit.MarshalEvent(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte) (audit.Event, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return audit.Event{}, fmt.Errorf("decompress payload: %w", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return audit.Event{}, fmt.Errorf("decompress payload: %w", err)
	}
	return audit.UnmarshalEvent(raw)
}

// encodeBatch writes events as gzip-compressed JSON lines, the cold archive
// object format.
func encodeBatch(events []audit.Event) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i := range events {
		line, err := audit.MarshalEvent(&events[i])
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("compress batch: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress batch: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeBatch(data []byte) ([]audit.Event, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompress batch: %w", err)
	}
	defer zr.Close()

	var events []audit.Event
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		e, err := audit.UnmarshalEvent(scanner.Bytes())
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return events, nil
}
