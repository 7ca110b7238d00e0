package bdev

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeParams decodes driver parameters into out. Values may be given as
// strings (e.g. from environment variables) and unknown keys are an error.
func DecodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("invalid driver parameters: %w", err)
	}
	return nil
}

// CheckGeometry validates a block size and device size pair
func CheckGeometry(size uint64, blockSize uint32) error {
	if blockSize < 512 || blockSize&(blockSize-1) != 0 {
		return fmt.Errorf("block size %d is not a power of two of at least 512", blockSize)
	}
	if size == 0 || size%uint64(blockSize) != 0 {
		return fmt.Errorf("size %d is not a non-zero multiple of the block size %d", size, blockSize)
	}
	return nil
}
