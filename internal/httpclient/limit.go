package httpclient

import (
	"io"

	"prism/internal/errors"
)

// ReadAllWithLimit reads r to completion, failing once the body exceeds
// limit bytes. A limit <= 0 reads unbounded. Oversized bodies surface as
// provider errors so the branch fails instead of ballooning memory.
func ReadAllWithLimit(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errors.New(errors.KindProvider, "response body exceeds %d bytes", limit)
	}
	return data, nil
}
