package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// encodeResponse 将条目序列化为 gob 字节，作为所有后端的统一值格式。
func encodeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return buf.Bytes(), nil
}

// decodeResponse 从 gob 字节还原条目。
func decodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &resp, nil
}
