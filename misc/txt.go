package misc

import (
	"errors"
	"io"
	"io/ioutil"
)

var (
	// ErrInputReaderNil is returned by ReadAllUpTo when given a nil reader.
	ErrInputReaderNil = errors.New("input reader is nil")
	// ErrInputCapacityInvalid is returned by ReadAllUpTo when given a negative capacity.
	ErrInputCapacityInvalid = errors.New("input capacity is invalid")
)

// ReadAllUpTo reads data from input reader until the limited capacity is
// reached or the reader is exhausted (EOF). It never reads more than upTo
// bytes, bounding memory use when the data source is attacker-controlled -
// an HTTP response body or a DATA transaction's body stream.
func ReadAllUpTo(r io.Reader, upTo int) (ret []byte, err error) {
	ret = []byte{}
	if r == nil {
		err = ErrInputReaderNil
		return
	}
	if upTo < 0 {
		err = ErrInputCapacityInvalid
		return
	}
	return ioutil.ReadAll(io.LimitReader(r, int64(upTo)))
}
